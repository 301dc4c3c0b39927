// Package adapters collects the platform descriptors shipped with the
// worker. Adding a platform means adding its descriptor here.
package adapters

import (
	"example.com/community-ingest/internal/adapters/discourse"
	"example.com/community-ingest/internal/adapters/reddit"
	"example.com/community-ingest/internal/adapters/slack"
	"example.com/community-ingest/internal/pipeline"
)

// All returns the descriptors of every built-in platform adapter.
func All() []pipeline.Descriptor {
	return []pipeline.Descriptor{
		reddit.Descriptor(),
		discourse.Descriptor(),
		slack.Descriptor(),
	}
}
