package discourse

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/community-ingest/internal/pipeline"
	"example.com/community-ingest/internal/ratelimit"
)

// Descriptor wires the discourse handlers into the pipeline registry.
func Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Platform:             pipeline.PlatformDiscourse,
		GenerateStreams:      GenerateStreams,
		ProcessStream:        ProcessStream,
		ProcessWebhookStream: ProcessWebhookStream,
		ProcessData:          ProcessData,
		CheckEvery:           8 * time.Hour,
		MemberAttributes: []pipeline.MemberAttribute{
			{Name: pipeline.AttrSourceID, Label: "Source Id", Type: pipeline.AttributeTypeString, Show: false},
			{Name: pipeline.AttrURL, Label: "Url", Type: pipeline.AttributeTypeURL, Show: true},
			{Name: pipeline.AttrWebsite, Label: "Website", Type: pipeline.AttributeTypeURL, Show: true},
			{Name: pipeline.AttrLocation, Label: "Location", Type: pipeline.AttributeTypeString, Show: true},
			{Name: pipeline.AttrBio, Label: "Bio", Type: pipeline.AttributeTypeString, Show: true},
			{Name: pipeline.AttrAvatarURL, Label: "Avatar url", Type: pipeline.AttributeTypeURL, Show: false},
		},
	}
}

// GenerateStreams seeds the crawl with a single categories stream. All other
// streams descend from it.
func GenerateStreams(ctx *pipeline.GenerateStreamsContext) error {
	settings, err := parseSettings(ctx.Integration.Settings)
	if err != nil {
		return err
	}
	ctx.Log.Info("seeding discourse streams", "forum", settings.ForumHostname)
	return ctx.PublishStream(StreamCategories, nil)
}

// ProcessStream dispatches one unit of crawl work based on the stream's type
// discriminator.
func ProcessStream(ctx *pipeline.ProcessStreamContext) error {
	settings, err := parseSettings(ctx.Integration.Settings)
	if err != nil {
		return err
	}
	client := NewClient(settings, requestLimiter(ctx))

	switch ctx.Stream.Type() {
	case StreamCategories:
		return processCategoriesStream(ctx, client)
	case StreamTopicsFromCategory:
		return processTopicsStream(ctx, client)
	case StreamPostsFromTopic:
		return processPostsFromTopicStream(ctx, client)
	case StreamPostsByIDs:
		return processPostsByIDsStream(ctx, client)
	default:
		return &pipeline.UnknownStreamTypeError{
			Platform:   pipeline.PlatformDiscourse,
			Identifier: ctx.Stream.Identifier,
		}
	}
}

func processCategoriesStream(ctx *pipeline.ProcessStreamContext, client *Client) error {
	response, err := client.Categories(ctx)
	if err != nil {
		return err
	}
	for _, category := range response.CategoryList.Categories {
		err := ctx.PublishStream(
			fmt.Sprintf("%s:%d", StreamTopicsFromCategory, category.ID),
			TopicsStreamPayload{CategoryID: category.ID, CategorySlug: category.Slug},
		)
		if err != nil {
			return err
		}
	}
	ctx.Log.Info("published category streams", "count", len(response.CategoryList.Categories))
	return nil
}

func processTopicsStream(ctx *pipeline.ProcessStreamContext, client *Client) error {
	var payload TopicsStreamPayload
	if err := ctx.UnmarshalPayload(&payload); err != nil {
		return err
	}

	response, err := client.Topics(ctx, payload.CategorySlug, payload.CategoryID, payload.Page)
	if err != nil {
		return err
	}
	topics := response.TopicList.Topics
	if len(topics) == 0 {
		return nil
	}

	for _, topic := range topics {
		err := ctx.PublishStream(
			fmt.Sprintf("%s:%d", StreamPostsFromTopic, topic.ID),
			PostsFromTopicPayload{TopicID: topic.ID, TopicSlug: topic.Slug},
		)
		if err != nil {
			return err
		}
	}

	next := payload
	next.Page++
	return ctx.PublishStream(
		fmt.Sprintf("%s:%d:%d", StreamTopicsFromCategory, payload.CategoryID, next.Page),
		next,
	)
}

// processPostsFromTopicStream resolves a topic's ordered post-id stream and
// fans it out into bounded postsByIds batches, so no single unit of work
// grows with the topic's size.
func processPostsFromTopicStream(ctx *pipeline.ProcessStreamContext, client *Client) error {
	var payload PostsFromTopicPayload
	if err := ctx.UnmarshalPayload(&payload); err != nil {
		return err
	}

	topic, err := client.Topic(ctx, payload.TopicID)
	if err != nil {
		return err
	}

	ids := topic.PostStream.Stream
	for start := 0; start < len(ids); start += postIDBatch {
		batch := ids[start:min(start+postIDBatch, len(ids))]
		err := ctx.PublishStream(
			fmt.Sprintf("%s:%s", StreamPostsByIDs, uuid.NewString()),
			PostsByIDsPayload{
				TopicID:    topic.ID,
				TopicSlug:  topic.Slug,
				TopicTitle: topic.Title,
				PostIDs:    batch,
			},
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func processPostsByIDsStream(ctx *pipeline.ProcessStreamContext, client *Client) error {
	var payload PostsByIDsPayload
	if err := ctx.UnmarshalPayload(&payload); err != nil {
		return err
	}

	response, err := client.Posts(ctx, payload.TopicID, payload.PostIDs)
	if err != nil {
		return err
	}

	for _, post := range response.PostStream.Posts {
		if IsBot(post.Username) {
			continue
		}
		user, err := client.User(ctx, post.Username)
		if err != nil {
			if errors.Is(err, pipeline.ErrNotFound) {
				ctx.Log.Debug("skipping post of vanished user", "username", post.Username)
				continue
			}
			return err
		}
		err = ctx.PublishData(DataKindPost, PostData{
			Post:       post,
			User:       *user,
			TopicID:    payload.TopicID,
			TopicSlug:  payload.TopicSlug,
			TopicTitle: payload.TopicTitle,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// requestLimiter returns the shared per-integration request budget; every
// stream of the same forum draws from the same counter.
func requestLimiter(ctx *pipeline.ProcessStreamContext) *ratelimit.Limiter {
	return ctx.RateLimiter(requestBudget, requestWindow, "request")
}

func parseSettings(raw json.RawMessage) (Settings, error) {
	var settings Settings
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return settings, pipeline.NewConfigurationError(pipeline.PlatformDiscourse, "invalid integration settings: %v", err)
		}
	}
	if settings.ForumHostname == "" {
		return settings, pipeline.NewConfigurationError(pipeline.PlatformDiscourse, "integration settings are missing the forum hostname")
	}
	if settings.APIKey == "" || settings.APIUsername == "" {
		return settings, pipeline.NewConfigurationError(pipeline.PlatformDiscourse, "integration settings are missing API credentials")
	}
	return settings, nil
}
