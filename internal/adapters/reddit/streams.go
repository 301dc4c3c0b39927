// Package reddit ingests subreddit posts and their comment trees.
package reddit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/community-ingest/internal/pipeline"
)

// Descriptor is the reddit adapter entry for the platform registry.
func Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Platform:        pipeline.PlatformReddit,
		GenerateStreams: GenerateStreams,
		ProcessStream:   ProcessStream,
		ProcessData:     ProcessData,
		MemberAttributes: []pipeline.MemberAttribute{
			{Name: pipeline.AttrSourceID, Label: "Source ID", Type: pipeline.AttributeTypeString},
			{Name: pipeline.AttrURL, Label: "URL", Type: pipeline.AttributeTypeURL, Show: true},
		},
		CheckEvery: time.Minute,
	}
}

// GenerateStreams seeds one traversal stream per configured subreddit.
func GenerateStreams(ctx *pipeline.GenerateStreamsContext) error {
	settings, err := parseSettings(ctx.Integration.Settings)
	if err != nil {
		return err
	}
	for _, subreddit := range settings.Subreddits {
		err := ctx.PublishStream(
			fmt.Sprintf("%s:%s", StreamSubreddit, subreddit),
			SubredditStreamPayload{Channel: subreddit},
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// ProcessStream dispatches one stream to its handler by type discriminator.
func ProcessStream(ctx *pipeline.ProcessStreamContext) error {
	switch ctx.Stream.Type() {
	case StreamSubreddit:
		return processSubredditStream(ctx)
	case StreamComments:
		return processCommentsStream(ctx)
	case StreamMoreComments:
		return processMoreCommentsStream(ctx)
	default:
		return &pipeline.UnknownStreamTypeError{Platform: pipeline.PlatformReddit, Identifier: ctx.Stream.Identifier}
	}
}

func processSubredditStream(ctx *pipeline.ProcessStreamContext) error {
	settings, err := parseSettings(ctx.Integration.Settings)
	if err != nil {
		return err
	}
	var payload SubredditStreamPayload
	if err := ctx.UnmarshalPayload(&payload); err != nil {
		return err
	}

	client := NewClient(settings.BaseURL, ctx.Token)
	response, err := client.Posts(ctx, payload.Channel, payload.After)
	if err != nil {
		return err
	}

	posts := response.Data.Children
	if len(posts) == 0 {
		return nil
	}

	var oldest time.Time
	for _, thing := range posts {
		var post Post
		if err := json.Unmarshal(thing.Data, &post); err != nil {
			return fmt.Errorf("decode post: %w", err)
		}
		if err := ctx.PublishData(DataKindPost, PostData{Channel: payload.Channel, Post: post}); err != nil {
			return err
		}
		err := ctx.PublishStream(
			fmt.Sprintf("%s:%s", StreamComments, post.ID),
			CommentsStreamPayload{
				Channel:   payload.Channel,
				PostID:    post.ID,
				PostTitle: post.Title,
				PostURL:   post.URL,
			},
		)
		if err != nil {
			return err
		}
		oldest = time.Unix(int64(post.Created), 0)
	}

	after := response.Data.After
	if after == "" {
		return nil
	}
	// Bounded catch-up: incremental runs stop paging once the page's oldest
	// post falls outside the retrospect window.
	if !ctx.Onboarding && time.Since(oldest) > maxRetrospect {
		ctx.Log.Debug("retrospect window reached", "subreddit", payload.Channel, "oldest", oldest)
		return nil
	}
	return ctx.PublishStream(
		fmt.Sprintf("%s:%s:%s", StreamSubreddit, payload.Channel, after),
		SubredditStreamPayload{Channel: payload.Channel, After: after},
	)
}

func processCommentsStream(ctx *pipeline.ProcessStreamContext) error {
	settings, err := parseSettings(ctx.Integration.Settings)
	if err != nil {
		return err
	}
	var payload CommentsStreamPayload
	if err := ctx.UnmarshalPayload(&payload); err != nil {
		return err
	}

	client := NewClient(settings.BaseURL, ctx.Token)
	response, err := client.Comments(ctx, payload.Channel, payload.PostID)
	if err != nil {
		return err
	}
	if len(response) < 2 {
		return nil
	}
	base := MoreCommentsStreamPayload{
		Channel:   payload.Channel,
		PostID:    payload.PostID,
		PostTitle: payload.PostTitle,
		PostURL:   payload.PostURL,
	}
	return walkCommentTree(ctx, base, response[1].Data.Children, payload.PostID)
}

func processMoreCommentsStream(ctx *pipeline.ProcessStreamContext) error {
	settings, err := parseSettings(ctx.Integration.Settings)
	if err != nil {
		return err
	}
	var payload MoreCommentsStreamPayload
	if err := ctx.UnmarshalPayload(&payload); err != nil {
		return err
	}

	client := NewClient(settings.BaseURL, ctx.Token)
	response, err := client.MoreComments(ctx, payload.PostID, payload.Children)
	if err != nil {
		return err
	}
	return walkCommentTree(ctx, payload, response.JSON.Data.Things, payload.SourceParentID)
}

type treeFrame struct {
	thing    Thing
	parentID string
}

// walkCommentTree expands a comment forest with an explicit worklist instead
// of recursion. Collapsed "more" nodes fork new streams in chunks of at most
// moreChildrenBatch ids; real comments become data items and push their
// replies with the comment as parent.
func walkCommentTree(ctx *pipeline.ProcessStreamContext, base MoreCommentsStreamPayload, roots []Thing, rootParentID string) error {
	work := make([]treeFrame, 0, len(roots))
	for _, thing := range roots {
		work = append(work, treeFrame{thing: thing, parentID: rootParentID})
	}

	for len(work) > 0 {
		frame := work[len(work)-1]
		work = work[:len(work)-1]

		if frame.thing.Kind == "more" {
			var more MoreChildren
			if err := json.Unmarshal(frame.thing.Data, &more); err != nil {
				return fmt.Errorf("decode more node: %w", err)
			}
			for start := 0; start < len(more.Children); start += moreChildrenBatch {
				end := min(start+moreChildrenBatch, len(more.Children))
				fork := base
				fork.SourceParentID = frame.parentID
				fork.Children = more.Children[start:end]
				identifier := fmt.Sprintf("%s:%s:%s", StreamMoreComments, base.PostID, uuid.NewString())
				if err := ctx.PublishStream(identifier, fork); err != nil {
					return err
				}
			}
			continue
		}

		var comment Comment
		if err := json.Unmarshal(frame.thing.Data, &comment); err != nil {
			return fmt.Errorf("decode comment: %w", err)
		}
		err := ctx.PublishData(DataKindComment, CommentData{
			Channel:        base.Channel,
			PostID:         base.PostID,
			PostTitle:      base.PostTitle,
			PostURL:        base.PostURL,
			SourceParentID: frame.parentID,
			Comment:        comment,
		})
		if err != nil {
			return err
		}
		for _, reply := range repliesOf(comment) {
			work = append(work, treeFrame{thing: reply, parentID: comment.ID})
		}
	}
	return nil
}

// repliesOf unwraps a comment's replies listing. Reddit encodes "no replies"
// as an empty string, so anything that is not an object is treated as empty.
func repliesOf(comment Comment) []Thing {
	if len(comment.Replies) == 0 || comment.Replies[0] != '{' {
		return nil
	}
	var listing ListingEnvelope
	if err := json.Unmarshal(comment.Replies, &listing); err != nil {
		return nil
	}
	return listing.Data.Children
}

func parseSettings(raw json.RawMessage) (Settings, error) {
	var settings Settings
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return Settings{}, pipeline.NewConfigurationError(pipeline.PlatformReddit, "invalid settings: %v", err)
		}
	}
	if len(settings.Subreddits) == 0 {
		return Settings{}, pipeline.NewConfigurationError(pipeline.PlatformReddit, "no subreddits configured")
	}
	return settings, nil
}
