// Package openai implements ai.Embedder on top of langchaingo's OpenAI client.
//
//	embedder, err := openai.NewEmbedder(ai.NewConfig(
//	    ai.WithHost("http://localhost:11434"), // /v1 added automatically
//	    ai.WithModel("nomic-embed-text"),
//	))
package openai
