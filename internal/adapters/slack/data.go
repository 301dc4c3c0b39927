package slack

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"example.com/community-ingest/internal/pipeline"
	"example.com/community-ingest/internal/sanitize"
)

// ProcessData normalizes one slack data item into a canonical activity.
func ProcessData(ctx *pipeline.ProcessDataContext) error {
	switch ctx.Item.Kind {
	case DataKindMessage:
		return processMessageData(ctx)
	case DataKindMember:
		return processMemberData(ctx)
	default:
		return &pipeline.UnknownDataTypeError{
			Platform: pipeline.PlatformSlack,
			Kind:     ctx.Item.Kind,
		}
	}
}

func processMessageData(ctx *pipeline.ProcessDataContext) error {
	var data MessageData
	if err := ctx.UnmarshalPayload(&data); err != nil {
		return err
	}

	message := data.Message

	// Slack injects join events into channel history as messages with a
	// channel_join subtype; they become join activities, not messages.
	activityType := ActivityTypeMessage
	body := sanitize.Text(message.Text)
	if message.Subtype == messageSubtypeChannelJoin {
		activityType = ActivityTypeChannelJoined
		body = ""
	}

	parentID := ""
	if data.ThreadTS != "" && data.ThreadTS != message.TS {
		parentID = data.ThreadTS
	}

	entry := Grid[activityType]
	return ctx.PublishActivity(pipeline.Activity{
		SourceID:       message.TS,
		SourceParentID: parentID,
		Platform:       pipeline.PlatformSlack,
		Type:           activityType,
		Timestamp:      tsToTime(message.TS),
		Body:           body,
		URL:            messageURL(data.ChannelID, message.TS),
		Channel:        data.ChannelName,
		Score:          entry.Score,
		IsContribution: entry.IsContribution,
		Attributes: map[string]any{
			"channelId": data.ChannelID,
		},
		Member: memberOf(data.User),
	})
}

// processMemberData records workspace membership discovered during
// onboarding. Slack does not expose when a user joined, so the timestamp is
// pinned at the epoch and the sink's upsert keeps the record singular.
func processMemberData(ctx *pipeline.ProcessDataContext) error {
	var data MemberData
	if err := ctx.UnmarshalPayload(&data); err != nil {
		return err
	}

	entry := Grid[ActivityTypeChannelJoined]
	return ctx.PublishActivity(pipeline.Activity{
		SourceID:       fmt.Sprintf("join-%s", data.User.ID),
		Platform:       pipeline.PlatformSlack,
		Type:           ActivityTypeChannelJoined,
		Timestamp:      time.Unix(0, 0).UTC(),
		Score:          entry.Score,
		IsContribution: entry.IsContribution,
		Member:         memberOf(data.User),
	})
}

func memberOf(user User) pipeline.Member {
	displayName := user.Profile.RealName
	if displayName == "" {
		displayName = user.Name
	}
	member := pipeline.Member{
		Identities: []pipeline.MemberIdentity{{
			Platform: pipeline.PlatformSlack,
			Username: user.Name,
			SourceID: user.ID,
		}},
		DisplayName: displayName,
		Attributes: map[string]map[string]any{
			pipeline.AttrSourceID: {string(pipeline.PlatformSlack): user.ID},
		},
	}
	if user.Profile.Email != "" {
		member.Emails = append(member.Emails, user.Profile.Email)
	}
	if user.Profile.Image != "" {
		member.Attributes[pipeline.AttrAvatarURL] = map[string]any{string(pipeline.PlatformSlack): user.Profile.Image}
	}
	if user.TZ != "" {
		member.Attributes[pipeline.AttrTimezone] = map[string]any{string(pipeline.PlatformSlack): user.TZ}
	}
	if user.Profile.Title != "" {
		member.Attributes[pipeline.AttrJobTitle] = map[string]any{string(pipeline.PlatformSlack): user.Profile.Title}
	}
	return member
}

// tsToTime converts a slack "seconds.micros" timestamp string.
func tsToTime(ts string) time.Time {
	seconds, fraction, _ := strings.Cut(ts, ".")
	sec, _ := strconv.ParseInt(seconds, 10, 64)
	usec, _ := strconv.ParseInt(fraction, 10, 64)
	return time.Unix(sec, usec*int64(time.Microsecond)).UTC()
}

// messageURL builds the public archive permalink for a message.
func messageURL(channelID, ts string) string {
	return fmt.Sprintf("https://slack.com/archives/%s/p%s", channelID, strings.ReplaceAll(ts, ".", ""))
}
