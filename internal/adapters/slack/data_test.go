package slack

import (
	"context"
	"strings"
	"testing"
	"time"

	"example.com/community-ingest/internal/pipeline"
)

func TestProcessMessageData(t *testing.T) {
	engine, _ := newTestEngine(t)
	integration := testIntegration("")

	user := namedUser("U1", "alice")
	user.Profile.Email = "alice@example.com"
	user.TZ = "Europe/Berlin"
	user.Profile.Title = "Engineer"

	item := pipeline.NewDataItem(DataKindMessage, MessageData{
		Message:     Message{TS: "1700000000.000100", Text: "hello <script>x</script>world", User: "U1"},
		User:        user,
		ChannelID:   "C1",
		ChannelName: "general",
	})
	activities, err := engine.ProcessData(context.Background(), integration, item)
	if err != nil {
		t.Fatalf("process data: %v", err)
	}
	activity := activities[0]

	if activity.Type != ActivityTypeMessage || activity.SourceID != "1700000000.000100" {
		t.Fatalf("unexpected activity: %+v", activity)
	}
	want := time.Unix(1700000000, 100*int64(time.Microsecond)).UTC()
	if !activity.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", activity.Timestamp, want)
	}
	if activity.URL != "https://slack.com/archives/C1/p1700000000000100" {
		t.Fatalf("url = %q", activity.URL)
	}
	if activity.Channel != "general" || activity.Attributes["channelId"] != "C1" {
		t.Fatalf("channel context lost: %+v", activity)
	}
	if !strings.Contains(activity.Body, "hello") || strings.Contains(activity.Body, "script") {
		t.Fatalf("body was not sanitized correctly: %q", activity.Body)
	}
	if activity.Score != 6 || !activity.IsContribution {
		t.Fatalf("weight = (%d, %v), want (6, true)", activity.Score, activity.IsContribution)
	}

	member := activity.Member
	if member.Username(pipeline.PlatformSlack) != "alice" || member.DisplayName != "alice" {
		t.Fatalf("member identity: %+v", member)
	}
	platform := string(pipeline.PlatformSlack)
	if member.Attributes[pipeline.AttrTimezone][platform] != "Europe/Berlin" {
		t.Fatalf("timezone attribute missing: %+v", member.Attributes)
	}
	if member.Attributes[pipeline.AttrJobTitle][platform] != "Engineer" {
		t.Fatalf("job title attribute missing: %+v", member.Attributes)
	}
	if len(member.Emails) != 1 || member.Emails[0] != "alice@example.com" {
		t.Fatalf("emails = %+v", member.Emails)
	}
}

// Synthetic channel_join history entries become join activities without a body.
func TestChannelJoinSubtype(t *testing.T) {
	engine, _ := newTestEngine(t)
	integration := testIntegration("")

	item := pipeline.NewDataItem(DataKindMessage, MessageData{
		Message:     Message{TS: "1700000000.000200", Text: "<@U1> has joined the channel", User: "U1", Subtype: messageSubtypeChannelJoin},
		User:        namedUser("U1", "alice"),
		ChannelID:   "C1",
		ChannelName: "general",
	})
	activities, err := engine.ProcessData(context.Background(), integration, item)
	if err != nil {
		t.Fatalf("process data: %v", err)
	}
	activity := activities[0]

	if activity.Type != ActivityTypeChannelJoined {
		t.Fatalf("type = %q, want channel_joined", activity.Type)
	}
	if activity.Body != "" {
		t.Fatalf("join activities carry no body, got %q", activity.Body)
	}
	if activity.Score != 3 || activity.IsContribution {
		t.Fatalf("weight = (%d, %v), want (3, false)", activity.Score, activity.IsContribution)
	}
}

func TestThreadReplyParent(t *testing.T) {
	engine, _ := newTestEngine(t)
	integration := testIntegration("")
	root := "1700000010.000100"

	item := pipeline.NewDataItem(DataKindMessage, MessageData{
		Message:     Message{TS: "1700000012.000100", Text: "reply", User: "U1", ThreadTS: root},
		User:        namedUser("U1", "alice"),
		ChannelID:   "C1",
		ChannelName: "general",
		ThreadTS:    root,
	})
	activities, err := engine.ProcessData(context.Background(), integration, item)
	if err != nil {
		t.Fatalf("process data: %v", err)
	}
	if activities[0].SourceParentID != root {
		t.Fatalf("parent = %q, want the thread root", activities[0].SourceParentID)
	}

	// The root itself never points at itself.
	rootItem := pipeline.NewDataItem(DataKindMessage, MessageData{
		Message:     Message{TS: root, Text: "root", User: "U1"},
		User:        namedUser("U1", "alice"),
		ChannelID:   "C1",
		ChannelName: "general",
		ThreadTS:    root,
	})
	activities, err = engine.ProcessData(context.Background(), integration, rootItem)
	if err != nil {
		t.Fatalf("process data: %v", err)
	}
	if activities[0].SourceParentID != "" {
		t.Fatalf("root parent = %q, want empty", activities[0].SourceParentID)
	}
}

func TestProcessMemberData(t *testing.T) {
	engine, _ := newTestEngine(t)
	integration := testIntegration("")

	item := pipeline.NewDataItem(DataKindMember, MemberData{User: namedUser("U7", "carol")})
	activities, err := engine.ProcessData(context.Background(), integration, item)
	if err != nil {
		t.Fatalf("process data: %v", err)
	}
	activity := activities[0]

	if activity.SourceID != "join-U7" || activity.Type != ActivityTypeChannelJoined {
		t.Fatalf("unexpected activity: %+v", activity)
	}
	if !activity.Timestamp.Equal(time.Unix(0, 0).UTC()) {
		t.Fatalf("member sweep timestamps pin to the epoch, got %v", activity.Timestamp)
	}
}
