// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptySourceName indicates the Source name is blank.
	ErrEmptySourceName = errors.New("source name cannot be empty")

	// ErrEmptyLocation indicates the Source location is blank.
	ErrEmptyLocation = errors.New("source location cannot be empty")

	// ErrMissingHeaders indicates a message carries none of the identifying headers.
	ErrMissingHeaders = errors.New("message has no From, Date, Subject or Message-ID header")
)

// ValidateSource checks a Source before it is persisted.
//
// Validation rules:
//   - Name must not be blank
//   - Format must be one of Formats
//   - Location must not be blank
func ValidateSource(source *Source) error {
	if source == nil {
		return Errorf(KindValidationFailed, "validate source", "source is nil")
	}
	if strings.TrimSpace(source.Name) == "" {
		return E(KindValidationFailed, "validate source", ErrEmptySourceName)
	}
	if _, err := ParseFormat(string(source.Format)); err != nil {
		return err
	}
	if strings.TrimSpace(source.Location) == "" {
		return E(KindValidationFailed, "validate source", ErrEmptyLocation)
	}
	return nil
}

// ValidateMessage checks that a decoded message is more than an empty shell.
// A message needs at least one of From, Date, Subject or Message-ID.
func ValidateMessage(msg *Message) error {
	if msg == nil {
		return Errorf(KindParseError, "validate message", "message is nil")
	}
	if msg.From == "" && msg.Date.IsZero() && msg.Subject == "" && msg.MessageID == "" {
		return E(KindParseError, "validate message", ErrMissingHeaders)
	}
	return nil
}

// ValidateStats enforces ok + failed <= seen.
func ValidateStats(stats JobStats) error {
	if stats.MessagesSeen < 0 || stats.MessagesOK < 0 || stats.MessagesFailed < 0 {
		return fmt.Errorf("negative job stats: %+v", stats)
	}
	if stats.MessagesOK+stats.MessagesFailed > stats.MessagesSeen {
		return fmt.Errorf("job stats exceed messages seen: ok=%d failed=%d seen=%d",
			stats.MessagesOK, stats.MessagesFailed, stats.MessagesSeen)
	}
	return nil
}
