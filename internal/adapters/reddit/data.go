package reddit

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/community-ingest/internal/pipeline"
	"example.com/community-ingest/internal/sanitize"
)

const publicBaseURL = "https://www.reddit.com"

// ProcessData normalizes one raw post or comment into a canonical activity.
func ProcessData(ctx *pipeline.ProcessDataContext) error {
	switch ctx.Item.Kind {
	case DataKindPost:
		return processPostData(ctx)
	case DataKindComment:
		return processCommentData(ctx)
	default:
		return &pipeline.UnknownDataTypeError{Platform: pipeline.PlatformReddit, Kind: ctx.Item.Kind}
	}
}

func processPostData(ctx *pipeline.ProcessDataContext) error {
	var data PostData
	if err := ctx.UnmarshalPayload(&data); err != nil {
		return err
	}
	post := data.Post

	body := sanitize.HTML(post.SelftextHTML)
	if body == "" && post.URL != "" {
		// Link posts have no self text; keep the shared link as the body.
		body = fmt.Sprintf(`<a href="%s" target="__blank">%s</a>`, post.URL, post.URL)
	}

	return ctx.PublishActivity(pipeline.Activity{
		SourceID:       post.ID,
		Platform:       pipeline.PlatformReddit,
		Type:           ActivityTypePost,
		Timestamp:      time.Unix(int64(post.Created), 0).UTC(),
		Body:           body,
		Title:          post.Title,
		URL:            publicBaseURL + post.Permalink,
		Channel:        data.Channel,
		Score:          Grid[ActivityTypePost].Score,
		IsContribution: Grid[ActivityTypePost].IsContribution,
		Attributes: map[string]any{
			"url":       post.URL,
			"name":      post.Name,
			"ups":       post.Ups,
			"downs":     post.Downs,
			"thumbnail": post.Thumbnail,
		},
		Member: memberOf(post.Author, post.AuthorFullname),
	})
}

func processCommentData(ctx *pipeline.ProcessDataContext) error {
	var data CommentData
	if err := ctx.UnmarshalPayload(&data); err != nil {
		return err
	}
	comment := data.Comment

	return ctx.PublishActivity(pipeline.Activity{
		SourceID:       comment.ID,
		SourceParentID: data.SourceParentID,
		Platform:       pipeline.PlatformReddit,
		Type:           ActivityTypeComment,
		Timestamp:      time.Unix(int64(comment.Created), 0).UTC(),
		Body:           sanitize.HTML(comment.BodyHTML),
		URL:            publicBaseURL + comment.Permalink,
		Channel:        data.Channel,
		Score:          Grid[ActivityTypeComment].Score,
		IsContribution: Grid[ActivityTypeComment].IsContribution,
		Attributes: map[string]any{
			"name":      comment.Name,
			"ups":       comment.Ups,
			"downs":     comment.Downs,
			"postUrl":   data.PostURL,
			"postTitle": data.PostTitle,
			"postId":    data.PostID,
		},
		Member: memberOf(comment.Author, comment.AuthorFullname),
	})
}

// memberOf maps a reddit author to a canonical member. Deleted authors get a
// freshly generated anonymous placeholder identity instead of failing.
func memberOf(author, authorFullname string) pipeline.Member {
	if author == "" || author == "[deleted]" {
		return pipeline.Member{
			Identities: []pipeline.MemberIdentity{{
				Platform: pipeline.PlatformReddit,
				Username: "deleted-" + uuid.NewString(),
			}},
			DisplayName: "Deleted User",
		}
	}
	return pipeline.Member{
		Identities: []pipeline.MemberIdentity{{
			Platform: pipeline.PlatformReddit,
			Username: author,
			SourceID: authorFullname,
		}},
		DisplayName: author,
		Attributes: map[string]map[string]any{
			pipeline.AttrSourceID: {string(pipeline.PlatformReddit): authorFullname},
			pipeline.AttrURL:      {string(pipeline.PlatformReddit): publicBaseURL + "/user/" + author},
		},
	}
}
