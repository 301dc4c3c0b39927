package discourse

import (
	"errors"
	"fmt"

	"example.com/community-ingest/internal/pipeline"
)

// ProcessWebhookStream turns one stored webhook delivery into data items.
// Bot-authored events are dropped before any user lookup happens.
func ProcessWebhookStream(ctx *pipeline.ProcessStreamContext) error {
	settings, err := parseSettings(ctx.Integration.Settings)
	if err != nil {
		return err
	}

	var payload WebhookPayload
	if err := ctx.UnmarshalPayload(&payload); err != nil {
		return err
	}

	client := NewClient(settings, requestLimiter(ctx))

	switch payload.Event {
	case WebhookEventPostCreated:
		return processPostWebhook(ctx, client, payload)
	case WebhookEventUserCreated:
		return processUserWebhook(ctx, payload)
	case WebhookEventNotification:
		return processNotificationWebhook(ctx, client, payload)
	default:
		ctx.Log.Debug("ignoring discourse webhook event", "event", payload.Event)
		return nil
	}
}

func processPostWebhook(ctx *pipeline.ProcessStreamContext, client *Client, payload WebhookPayload) error {
	if payload.Post == nil {
		return pipeline.NewConfigurationError(pipeline.PlatformDiscourse, "post_created webhook is missing its post body")
	}
	post := payload.Post.Post
	if IsBot(post.Username) {
		ctx.Log.Debug("ignoring bot post webhook", "username", post.Username)
		return nil
	}

	user, err := client.User(ctx, post.Username)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			ctx.Log.Debug("skipping webhook post of vanished user", "username", post.Username)
			return nil
		}
		return err
	}

	return ctx.PublishData(DataKindPost, PostData{
		Post:       post,
		User:       *user,
		TopicID:    post.TopicID,
		TopicSlug:  post.TopicSlug,
		TopicTitle: post.TopicTitle,
	})
}

func processUserWebhook(ctx *pipeline.ProcessStreamContext, payload WebhookPayload) error {
	if payload.User == nil {
		return pipeline.NewConfigurationError(pipeline.PlatformDiscourse, "user_created webhook is missing its user body")
	}
	user := payload.User.User
	if IsBot(user.Username) {
		return nil
	}
	return ctx.PublishData(DataKindUserWebhook, UserWebhookData{User: user})
}

func processNotificationWebhook(ctx *pipeline.ProcessStreamContext, client *Client, payload WebhookPayload) error {
	if payload.Notification == nil {
		return pipeline.NewConfigurationError(pipeline.PlatformDiscourse, "notification webhook is missing its notification body")
	}
	notification := payload.Notification.Notification

	username := notification.Data.DisplayUsername
	if username == "" {
		username = notification.Data.OriginalUsername
	}
	if username == "" || IsBot(username) {
		return nil
	}

	user, err := client.User(ctx, username)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			ctx.Log.Debug("skipping notification of vanished user", "username", username)
			return nil
		}
		return err
	}

	channel := notification.FancyTitle
	if channel == "" {
		channel = fmt.Sprintf("%d", notification.TopicID)
	}
	return ctx.PublishData(DataKindNotificationWebhook, NotificationWebhookData{
		User:         *user,
		Notification: notification,
		Channel:      channel,
	})
}
