package discourse

import (
	"fmt"
	"strconv"
	"strings"

	"example.com/community-ingest/internal/pipeline"
	"example.com/community-ingest/internal/sanitize"
)

// ProcessData normalizes one discourse data item into a canonical activity.
func ProcessData(ctx *pipeline.ProcessDataContext) error {
	settings, err := parseSettings(ctx.Integration.Settings)
	if err != nil {
		return err
	}

	switch ctx.Item.Kind {
	case DataKindPost:
		return processPostData(ctx, settings)
	case DataKindUserWebhook:
		return processUserWebhookData(ctx, settings)
	case DataKindNotificationWebhook:
		return processNotificationWebhookData(ctx, settings)
	default:
		return &pipeline.UnknownDataTypeError{
			Platform: pipeline.PlatformDiscourse,
			Kind:     ctx.Item.Kind,
		}
	}
}

// processPostData maps the first post of a topic to create_topic and every
// later post to message_in_topic. Source ids are "{topicID}-{postNumber}" so
// a reply's parent is always derivable without an extra lookup.
func processPostData(ctx *pipeline.ProcessDataContext, settings Settings) error {
	var data PostData
	if err := ctx.UnmarshalPayload(&data); err != nil {
		return err
	}

	post := data.Post
	activityType := ActivityTypeMessageInTopic
	title := ""
	parentID := ""
	if post.PostNumber == 1 {
		activityType = ActivityTypeCreateTopic
		title = data.TopicTitle
	} else {
		parentID = fmt.Sprintf("%d-%d", data.TopicID, post.PostNumber-1)
	}

	entry := Grid[activityType]
	return ctx.PublishActivity(pipeline.Activity{
		SourceID:       fmt.Sprintf("%d-%d", data.TopicID, post.PostNumber),
		SourceParentID: parentID,
		Platform:       pipeline.PlatformDiscourse,
		Type:           activityType,
		Timestamp:      post.CreatedAt.UTC(),
		Body:           sanitize.HTML(post.Cooked),
		Title:          title,
		URL:            fmt.Sprintf("%s/t/%s/%d/%d", strings.TrimRight(settings.ForumHostname, "/"), data.TopicSlug, data.TopicID, post.PostNumber),
		Channel:        data.TopicTitle,
		Score:          entry.Score,
		IsContribution: entry.IsContribution,
		Member:         memberOf(data.User.User, settings),
	})
}

func processUserWebhookData(ctx *pipeline.ProcessDataContext, settings Settings) error {
	var data UserWebhookData
	if err := ctx.UnmarshalPayload(&data); err != nil {
		return err
	}

	entry := Grid[ActivityTypeJoin]
	return ctx.PublishActivity(pipeline.Activity{
		SourceID:       strconv.FormatInt(data.User.ID, 10),
		Platform:       pipeline.PlatformDiscourse,
		Type:           ActivityTypeJoin,
		Timestamp:      data.User.CreatedAt.UTC(),
		URL:            profileURL(settings, data.User.Username),
		Score:          entry.Score,
		IsContribution: entry.IsContribution,
		Member:         memberOf(data.User, settings),
	})
}

func processNotificationWebhookData(ctx *pipeline.ProcessDataContext, settings Settings) error {
	var data NotificationWebhookData
	if err := ctx.UnmarshalPayload(&data); err != nil {
		return err
	}

	entry := Grid[ActivityTypeLike]
	return ctx.PublishActivity(pipeline.Activity{
		SourceID:       strconv.FormatInt(data.Notification.ID, 10),
		Platform:       pipeline.PlatformDiscourse,
		Type:           ActivityTypeLike,
		Timestamp:      data.Notification.CreatedAt.UTC(),
		URL:            fmt.Sprintf("%s/t/%s/%d", strings.TrimRight(settings.ForumHostname, "/"), data.Notification.Slug, data.Notification.TopicID),
		Channel:        data.Channel,
		Score:          entry.Score,
		IsContribution: entry.IsContribution,
		Member:         memberOf(data.User.User, settings),
	})
}

func memberOf(user FullUser, settings Settings) pipeline.Member {
	member := pipeline.Member{
		Identities: []pipeline.MemberIdentity{{
			Platform: pipeline.PlatformDiscourse,
			Username: user.Username,
			SourceID: strconv.FormatInt(user.ID, 10),
		}},
		DisplayName: user.Name,
		Attributes: map[string]map[string]any{
			pipeline.AttrSourceID: {string(pipeline.PlatformDiscourse): strconv.FormatInt(user.ID, 10)},
			pipeline.AttrURL:      {string(pipeline.PlatformDiscourse): profileURL(settings, user.Username)},
		},
	}
	if member.DisplayName == "" {
		member.DisplayName = user.Username
	}
	if user.Email != "" {
		member.Emails = append(member.Emails, user.Email)
	}
	if user.Website != "" {
		member.Attributes[pipeline.AttrWebsite] = map[string]any{string(pipeline.PlatformDiscourse): user.Website}
	}
	if user.Location != "" {
		member.Attributes[pipeline.AttrLocation] = map[string]any{string(pipeline.PlatformDiscourse): user.Location}
	}
	if user.BioCooked != "" {
		member.Attributes[pipeline.AttrBio] = map[string]any{string(pipeline.PlatformDiscourse): sanitize.HTML(user.BioCooked)}
	}
	if user.AvatarTemplate != "" {
		avatar := strings.ReplaceAll(user.AvatarTemplate, "{size}", "200")
		if strings.HasPrefix(avatar, "/") {
			avatar = strings.TrimRight(settings.ForumHostname, "/") + avatar
		}
		member.Attributes[pipeline.AttrAvatarURL] = map[string]any{string(pipeline.PlatformDiscourse): avatar}
	}
	return member
}

func profileURL(settings Settings, username string) string {
	return fmt.Sprintf("%s/u/%s", strings.TrimRight(settings.ForumHostname, "/"), username)
}
