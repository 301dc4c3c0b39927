package slack

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/community-ingest/internal/pipeline"
)

// Descriptor wires the slack handlers into the pipeline registry.
func Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Platform:        pipeline.PlatformSlack,
		GenerateStreams: GenerateStreams,
		ProcessStream:   ProcessStream,
		ProcessData:     ProcessData,
		CheckEvery:      30 * time.Minute,
		MemberAttributes: []pipeline.MemberAttribute{
			{Name: pipeline.AttrSourceID, Label: "Source Id", Type: pipeline.AttributeTypeString, Show: false},
			{Name: pipeline.AttrAvatarURL, Label: "Avatar url", Type: pipeline.AttributeTypeURL, Show: false},
			{Name: pipeline.AttrTimezone, Label: "Timezone", Type: pipeline.AttributeTypeString, Show: true},
			{Name: pipeline.AttrJobTitle, Label: "Job Title", Type: pipeline.AttributeTypeString, Show: true},
		},
	}
}

// GenerateStreams seeds the crawl with a single root stream; channel
// discovery happens there so the seed stays cheap.
func GenerateStreams(ctx *pipeline.GenerateStreamsContext) error {
	return ctx.PublishStream(StreamRoot, nil)
}

// ProcessStream dispatches one unit of crawl work based on the stream's type
// discriminator.
func ProcessStream(ctx *pipeline.ProcessStreamContext) error {
	settings, err := parseSettings(ctx.Integration.Settings)
	if err != nil {
		return err
	}
	client := NewClient(settings, ctx.Token)

	switch ctx.Stream.Type() {
	case StreamRoot:
		return processRootStream(ctx, client, settings)
	case StreamChannel:
		return processChannelStream(ctx, client)
	case StreamThreads:
		return processThreadsStream(ctx, client)
	case StreamMembers:
		return processMembersStream(ctx, client)
	default:
		return &pipeline.UnknownStreamTypeError{
			Platform:   pipeline.PlatformSlack,
			Identifier: ctx.Stream.Identifier,
		}
	}
}

// processRootStream discovers the workspace's channels, writes the channel
// list back into the integration settings, and fans out one stream per
// channel. Channels seen for the first time are flagged new so their crawl
// backfills the full history; already-known channels are crawled up to the
// retrospect window. The member sweep runs on onboarding only.
func processRootStream(ctx *pipeline.ProcessStreamContext, client *Client, settings Settings) error {
	known := make(map[string]bool, len(settings.Channels))
	for _, ch := range settings.Channels {
		known[ch.ID] = true
	}

	var channels []Channel
	cursor := ""
	for {
		page, err := client.Channels(ctx, cursor)
		if err != nil {
			return err
		}
		channels = append(channels, page.Channels...)
		cursor = page.ResponseMetadata.NextCursor
		if cursor == "" {
			break
		}
	}

	updated := make([]ChannelSetting, 0, len(channels))
	fresh := 0
	for _, ch := range channels {
		isNew := !known[ch.ID]
		if isNew {
			fresh++
		}
		updated = append(updated, ChannelSetting{ID: ch.ID, Name: ch.Name, New: isNew})
	}
	settings.Channels = updated
	if err := ctx.UpdateSettings(settings); err != nil {
		return err
	}

	for _, ch := range channels {
		err := ctx.PublishStream(
			fmt.Sprintf("%s:%s", StreamChannel, ch.ID),
			ChannelStreamPayload{ChannelID: ch.ID, ChannelName: ch.Name, New: !known[ch.ID]},
		)
		if err != nil {
			return err
		}
	}

	if ctx.Onboarding {
		if err := ctx.PublishStream(StreamMembers, MembersStreamPayload{}); err != nil {
			return err
		}
	}
	ctx.Log.Info("discovered slack channels", "total", len(channels), "new", fresh)
	return nil
}

func processChannelStream(ctx *pipeline.ProcessStreamContext, client *Client) error {
	var payload ChannelStreamPayload
	if err := ctx.UnmarshalPayload(&payload); err != nil {
		return err
	}

	page, err := client.History(ctx, payload.ChannelID, payload.Cursor)
	if err != nil {
		return err
	}

	for _, message := range page.Messages {
		user, ok, err := cachedUser(ctx, client, message.User)
		if err != nil {
			return err
		}
		if !ok || user.IsBot || message.BotID != "" {
			continue
		}
		err = ctx.PublishData(DataKindMessage, MessageData{
			Message:     message,
			User:        *user,
			ChannelID:   payload.ChannelID,
			ChannelName: payload.ChannelName,
		})
		if err != nil {
			return err
		}
		if message.ReplyCount > 0 && (message.ThreadTS == "" || message.ThreadTS == message.TS) {
			err := ctx.PublishStream(
				fmt.Sprintf("%s:%s:%s", StreamThreads, payload.ChannelID, message.TS),
				ThreadsStreamPayload{
					ChannelID:   payload.ChannelID,
					ChannelName: payload.ChannelName,
					ThreadTS:    message.TS,
					ParentBody:  message.Text,
					New:         payload.New,
				},
			)
			if err != nil {
				return err
			}
		}
	}

	if next := page.ResponseMetadata.NextCursor; page.HasMore && next != "" {
		// Bounded catch-up: once the page's oldest message falls outside the
		// retrospect window an incremental crawl of a known channel stops
		// paging. First crawls keep going to the start of history.
		if pastRetrospect(ctx, payload.New, page.Messages) {
			ctx.Log.Debug("retrospect window reached", "channel", payload.ChannelID)
			return nil
		}
		payload.Cursor = next
		return ctx.PublishStream(
			fmt.Sprintf("%s:%s:%s", StreamChannel, payload.ChannelID, next),
			payload,
		)
	}
	return nil
}

func processThreadsStream(ctx *pipeline.ProcessStreamContext, client *Client) error {
	var payload ThreadsStreamPayload
	if err := ctx.UnmarshalPayload(&payload); err != nil {
		return err
	}

	page, err := client.Replies(ctx, payload.ChannelID, payload.ThreadTS, payload.Cursor)
	if err != nil {
		return err
	}

	for _, message := range page.Messages {
		if message.TS == payload.ThreadTS {
			// The root arrives with the channel history.
			continue
		}
		user, ok, err := cachedUser(ctx, client, message.User)
		if err != nil {
			return err
		}
		if !ok || user.IsBot || message.BotID != "" {
			continue
		}
		err = ctx.PublishData(DataKindMessage, MessageData{
			Message:     message,
			User:        *user,
			ChannelID:   payload.ChannelID,
			ChannelName: payload.ChannelName,
			ThreadTS:    payload.ThreadTS,
		})
		if err != nil {
			return err
		}
	}

	if next := page.ResponseMetadata.NextCursor; page.HasMore && next != "" {
		if pastRetrospect(ctx, payload.New, page.Messages) {
			ctx.Log.Debug("retrospect window reached", "thread", payload.ThreadTS)
			return nil
		}
		payload.Cursor = next
		return ctx.PublishStream(
			fmt.Sprintf("%s:%s:%s:%s", StreamThreads, payload.ChannelID, payload.ThreadTS, next),
			payload,
		)
	}
	return nil
}

func processMembersStream(ctx *pipeline.ProcessStreamContext, client *Client) error {
	var payload MembersStreamPayload
	if err := ctx.UnmarshalPayload(&payload); err != nil {
		return err
	}

	page, err := client.Members(ctx, payload.Cursor)
	if err != nil {
		return err
	}

	for _, user := range page.Members {
		if user.IsBot || user.Deleted || user.ID == "USLACKBOT" {
			continue
		}
		if err := ctx.PublishData(DataKindMember, MemberData{User: user}); err != nil {
			return err
		}
	}

	if next := page.ResponseMetadata.NextCursor; next != "" {
		return ctx.PublishStream(
			fmt.Sprintf("%s:%s", StreamMembers, next),
			MembersStreamPayload{Cursor: next},
		)
	}
	return nil
}

// pastRetrospect reports whether paging should stop: the crawl is incremental
// over an already-known channel and every message on the page is older than
// maxRetrospect. Slack pages history newest-first, so later pages are older.
func pastRetrospect(ctx *pipeline.ProcessStreamContext, isNew bool, messages []Message) bool {
	if ctx.Onboarding || isNew || len(messages) == 0 {
		return false
	}
	oldest := tsToTime(messages[0].TS)
	for _, m := range messages[1:] {
		if t := tsToTime(m.TS); t.Before(oldest) {
			oldest = t
		}
	}
	return time.Since(oldest) > maxRetrospect
}

// cachedUser resolves a message author through the per-integration cache.
// Lookups that miss are remembered with a tombstone so a deleted user costs
// one API call per day, not one per message. The second return value is
// false when the user cannot be resolved.
func cachedUser(ctx *pipeline.ProcessStreamContext, client *Client, userID string) (*User, bool, error) {
	if userID == "" {
		return nil, false, nil
	}
	key := "member:" + userID

	if cached, found, err := ctx.Cache.Get(ctx, key); err != nil {
		return nil, false, err
	} else if found {
		if cached == memberCacheMiss {
			return nil, false, nil
		}
		var user User
		if err := json.Unmarshal([]byte(cached), &user); err != nil {
			return nil, false, fmt.Errorf("decode cached slack user %s: %w", userID, err)
		}
		return &user, true, nil
	}

	user, err := client.User(ctx, userID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			if err := ctx.Cache.Set(ctx, key, memberCacheMiss, memberCacheTTL); err != nil {
				return nil, false, err
			}
			return nil, false, nil
		}
		return nil, false, err
	}

	encoded, err := json.Marshal(user)
	if err != nil {
		return nil, false, err
	}
	if err := ctx.Cache.Set(ctx, key, string(encoded), memberCacheTTL); err != nil {
		return nil, false, err
	}
	return user, true, nil
}

func parseSettings(raw json.RawMessage) (Settings, error) {
	var settings Settings
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return settings, pipeline.NewConfigurationError(pipeline.PlatformSlack, "invalid integration settings: %v", err)
		}
	}
	return settings, nil
}
