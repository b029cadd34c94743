// Package domain holds the call lifecycle model and the reconciliation rules
// shared by the webhook and polling ingestion paths.
package domain

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Status is the canonical call lifecycle value all provider status strings
// are normalized into.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"

	// StatusUnknown tags provider strings outside the alias table. It is
	// logged and never used to move stored state.
	StatusUnknown Status = "unknown"
)

// IsTerminal reports whether the status is a lifecycle sink.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// phaseRank orders the forward lifecycle. Terminal states share the top rank
// so none of them can be replaced by another.
func (s Status) phaseRank() int {
	switch s {
	case StatusInitiated:
		return 0
	case StatusRinging:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	default:
		return -1
	}
}

// defaultAliases is the built-in provider status table.
func defaultAliases() map[string]Status {
	return map[string]Status{
		"initiated": StatusInitiated,
		"queued":    StatusInitiated,

		"ringing": StatusRinging,

		"answered":    StatusInProgress,
		"in-progress": StatusInProgress,
		"in_progress": StatusInProgress,
		"ongoing":     StatusInProgress,

		"ended":             StatusCompleted,
		"finished":          StatusCompleted,
		"completed":         StatusCompleted,
		"call-disconnected": StatusCompleted,

		"failed":    StatusFailed,
		"error":     StatusFailed,
		"no-answer": StatusFailed,
		"busy":      StatusFailed,

		"cancelled": StatusCancelled,
	}
}

// aliasOverlay is the YAML shape for extra provider aliases:
//
//	aliases:
//	  voicemail: completed
//	  carrier-reject: failed
type aliasOverlay struct {
	Aliases map[string]string `yaml:"aliases"`
}

// ParseAliasOverlay reads a YAML alias file and validates that every target
// is a known canonical status.
func ParseAliasOverlay(r io.Reader) (map[string]Status, error) {
	var overlay aliasOverlay
	if err := yaml.NewDecoder(r).Decode(&overlay); err != nil {
		return nil, fmt.Errorf("parse status alias overlay: %w", err)
	}

	out := make(map[string]Status, len(overlay.Aliases))
	for raw, target := range overlay.Aliases {
		status := Status(strings.ToLower(target))
		if status.phaseRank() < 0 {
			return nil, fmt.Errorf("status alias %q maps to unknown status %q", raw, target)
		}
		out[strings.ToLower(raw)] = status
	}
	return out, nil
}
