package badger

import "strings"

// Key prefixes for different data types. Components are separated by NUL so
// model names containing ':' or '/' cannot collide.
const (
	sep                = "\x00"
	embeddingPrefix    = "emb"
	messageIndexPrefix = "embm"
	dimensionPrefix    = "embdim"
	checkpointPrefix   = "chkpt"
)

// makeEmbeddingKey generates the primary key of an embedding.
// Format: emb|model|chunk
func makeEmbeddingKey(modelID, chunkID string) []byte {
	return []byte(embeddingPrefix + sep + modelID + sep + chunkID)
}

// makeModelPrefix generates the prefix of every embedding under a model.
// An empty model yields the prefix of all embeddings.
func makeModelPrefix(modelID string) []byte {
	if modelID == "" {
		return []byte(embeddingPrefix + sep)
	}
	return []byte(embeddingPrefix + sep + modelID + sep)
}

// makeMessageIndexKey generates the secondary index key from message to embedding.
// Format: embm|message|model|chunk
func makeMessageIndexKey(messageID, modelID, chunkID string) []byte {
	return []byte(messageIndexPrefix + sep + messageID + sep + modelID + sep + chunkID)
}

// makeMessageIndexPrefix generates the index prefix of a message, optionally
// narrowed to one model.
func makeMessageIndexPrefix(messageID, modelID string) []byte {
	if modelID == "" {
		return []byte(messageIndexPrefix + sep + messageID + sep)
	}
	return []byte(messageIndexPrefix + sep + messageID + sep + modelID + sep)
}

// parseMessageIndexKey returns the model and chunk of an index key.
func parseMessageIndexKey(key []byte) (modelID, chunkID string, ok bool) {
	parts := strings.Split(string(key), sep)
	if len(parts) != 4 || parts[0] != messageIndexPrefix {
		return "", "", false
	}
	return parts[2], parts[3], true
}

// makeDimensionKey records the vector dimension of a model.
func makeDimensionKey(modelID string) []byte {
	return []byte(dimensionPrefix + sep + modelID)
}

// makeCheckpointKey generates a key for processor checkpoints.
func makeCheckpointKey(name string) []byte {
	return []byte(checkpointPrefix + sep + name)
}
