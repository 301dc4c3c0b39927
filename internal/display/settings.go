package display

import (
	"example.com/community-ingest/internal/adapters/discourse"
	"example.com/community-ingest/internal/adapters/reddit"
	"example.com/community-ingest/internal/adapters/slack"
	"example.com/community-ingest/internal/pipeline"
)

// channelLink renders a channel reference as markdown when the activity
// carries a url, otherwise as plain text.
func channelLink(activity map[string]any, value string) string {
	if value == "" {
		return ""
	}
	if url, ok := activity["url"].(string); ok && url != "" {
		return "[" + value + "](" + url + ")"
	}
	return value
}

// Default returns the built-in display settings for the shipped platforms.
// Tenants overlay their customizations with Merge.
func Default() Settings {
	return Settings{
		pipeline.PlatformReddit: {
			reddit.ActivityTypePost: {
				Display: Properties{
					Default: "posted in subreddit {channel}",
					Short:   "posted",
					Channel: "{channel}",
					Formatters: map[string]Formatter{
						"channel": channelLink,
					},
				},
				IsContribution: reddit.Grid[reddit.ActivityTypePost].IsContribution,
			},
			reddit.ActivityTypeComment: {
				Display: Properties{
					Default: "commented in subreddit {channel}",
					Short:   "commented",
					Channel: "{channel}",
					Formatters: map[string]Formatter{
						"channel": channelLink,
					},
				},
				IsContribution: reddit.Grid[reddit.ActivityTypeComment].IsContribution,
			},
		},
		pipeline.PlatformDiscourse: {
			discourse.ActivityTypeCreateTopic: {
				Display: Properties{
					Default: "created topic {title|channel}",
					Short:   "created topic",
					Channel: "{channel}",
				},
				IsContribution: discourse.Grid[discourse.ActivityTypeCreateTopic].IsContribution,
			},
			discourse.ActivityTypeMessageInTopic: {
				Display: Properties{
					Default: "replied in topic {channel}",
					Short:   "replied",
					Channel: "{channel}",
					Formatters: map[string]Formatter{
						"channel": channelLink,
					},
				},
				IsContribution: discourse.Grid[discourse.ActivityTypeMessageInTopic].IsContribution,
			},
			discourse.ActivityTypeJoin: {
				Display: Properties{
					Default: "joined the forum",
					Short:   "joined",
				},
				IsContribution: discourse.Grid[discourse.ActivityTypeJoin].IsContribution,
			},
			discourse.ActivityTypeLike: {
				Display: Properties{
					Default: "liked a post in topic {channel}",
					Short:   "liked",
					Channel: "{channel}",
				},
				IsContribution: discourse.Grid[discourse.ActivityTypeLike].IsContribution,
			},
		},
		pipeline.PlatformSlack: {
			slack.ActivityTypeMessage: {
				Display: Properties{
					Default: "sent a message in {channel}",
					Short:   "sent a message",
					Channel: "{channel}",
				},
				IsContribution: slack.Grid[slack.ActivityTypeMessage].IsContribution,
			},
			slack.ActivityTypeChannelJoined: {
				Display: Properties{
					Default: "joined channel {channel|self}",
					Short:   "joined channel",
					Channel: "{channel}",
					Formatters: map[string]Formatter{
						"channel|self": func(activity map[string]any, value string) string {
							if value == "" {
								return "the workspace"
							}
							return value
						},
					},
				},
				IsContribution: slack.Grid[slack.ActivityTypeChannelJoined].IsContribution,
			},
		},
	}
}
