package twitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"feedmod/pkg/model"
)

const homeTimeline = `{"data":{"home":{"home_timeline_urt":{"instructions":[
 {"type":"TimelineAddEntries","entries":[
  {"entryId":"tweet-1","content":{"entryType":"TimelineTimelineItem","itemContent":{"tweet_results":{"result":{
    "__typename":"Tweet","rest_id":"1",
    "core":{"user_results":{"result":{"legacy":{"screen_name":"gopher"}}}},
    "legacy":{"id_str":"1","full_text":"hello world","favorite_count":3,
      "entities":{"media":[{"type":"photo","media_url_https":"https://pbs.twimg.com/media/a.jpg"}]},
      "extended_entities":{"media":[
        {"type":"photo","media_url_https":"https://pbs.twimg.com/media/a.jpg","media_url":"http://pbs.twimg.com/media/a.jpg"},
        {"type":"video","media_url_https":"https://pbs.twimg.com/thumb/v.jpg","video_info":{"variants":[
          {"content_type":"application/x-mpegURL","url":"https://video.twimg.com/v.m3u8"},
          {"bitrate":256000,"content_type":"video/mp4","url":"https://video.twimg.com/v-256.mp4"},
          {"bitrate":2176000,"content_type":"video/mp4","url":"https://video.twimg.com/v-2176.mp4"},
          {"bitrate":832000,"content_type":"video/mp4","url":"https://video.twimg.com/v-832.mp4"}
        ]}}
      ]}}}}}}},
  {"entryId":"tweet-2","content":{"itemContent":{"tweet_results":{"result":{
    "__typename":"TweetWithVisibilityResults",
    "tweet":{"rest_id":"2","legacy":{"full_text":"short"},
      "note_tweet":{"note_tweet_results":{"result":{"text":"a much longer note"}}}}}}}}},
  {"entryId":"cursor-top","content":{"entryType":"TimelineTimelineCursor","value":"abc"}}
 ]}
]}}}}`

func TestExtractGraphQLTimeline(t *testing.T) {
	posts := New().ExtractPosts(homeTimeline)
	require.Len(t, posts, 2)

	assert.Equal(t, "1", posts[0].ID)
	assert.Nil(t, posts[0].Title)
	assert.Equal(t, "hello world", *posts[0].Body)
	assert.Equal(t, []string{
		"https://pbs.twimg.com/media/a.jpg",
		"https://video.twimg.com/v-2176.mp4",
	}, posts[0].MediaURLs)
	assert.Equal(t, "gopher", posts[0].Metadata["screen_name"])

	assert.Equal(t, "2", posts[1].ID)
	assert.Equal(t, "a much longer note", *posts[1].Body)
}

func TestUpdateGraphQLTimeline(t *testing.T) {
	out := New().UpdateResponseWithProcessedPosts(homeTimeline, []model.ProcessedPost{
		{ID: "1", ProcessedBody: model.StringPtr("__BLUR_START__hello__BLUR_END__ world"), ProcessedMediaURLs: []string{"https://cdn/a.jpg"}},
		{ID: "2", ProcessedBody: model.StringPtr("rewritten")},
	})
	require.True(t, gjson.Valid(out))

	l1 := gjson.Get(out, "data.home.home_timeline_urt.instructions.0.entries.0.content.itemContent.tweet_results.result.legacy")
	assert.Equal(t, "__BLUR_START__hello__BLUR_END__ world", l1.Get("full_text").String())
	assert.Equal(t, "https://cdn/a.jpg", l1.Get("extended_entities.media.0.media_url_https").String())
	assert.Equal(t, "https://cdn/a.jpg", l1.Get("extended_entities.media.0.media_url").String())
	assert.Equal(t, "https://cdn/a.jpg", l1.Get("entities.media.0.media_url_https").String())
	assert.Equal(t, "https://video.twimg.com/v-2176.mp4", l1.Get("extended_entities.media.1.video_info.variants.2.url").String())
	assert.Equal(t, int64(3), l1.Get("favorite_count").Int())

	r2 := gjson.Get(out, "data.home.home_timeline_urt.instructions.0.entries.1.content.itemContent.tweet_results.result.tweet")
	assert.Equal(t, "rewritten", r2.Get("legacy.full_text").String())
	assert.Equal(t, "rewritten", r2.Get("note_tweet.note_tweet_results.result.text").String())
	assert.Equal(t, "abc", gjson.Get(out, "data.home.home_timeline_urt.instructions.0.entries.2.content.value").String())
}

func TestThreadedConversationModules(t *testing.T) {
	raw := `{"data":{"threaded_conversation_with_injections_v2":{"instructions":[{"type":"TimelineAddEntries","entries":[
	  {"entryId":"conversationthread-9","content":{"entryType":"TimelineTimelineModule","items":[
	    {"entryId":"a","item":{"itemContent":{"tweet_results":{"result":{"rest_id":"9","legacy":{"id_str":"9","full_text":"reply one"}}}}}},
	    {"entryId":"b","item":{"itemContent":{"tweet_results":{"result":{"rest_id":"10","legacy":{"full_text":"reply two"}}}}}}
	  ]}}
	]}]}}}`

	a := New()
	posts := a.ExtractPosts(raw)
	require.Len(t, posts, 2)
	assert.Equal(t, "9", posts[0].ID)
	assert.Equal(t, "10", posts[1].ID)

	out := a.UpdateResponseWithProcessedPosts(raw, []model.ProcessedPost{{ID: "10", ProcessedBody: model.StringPtr("two!")}})
	assert.Equal(t, "two!", gjson.Get(out, "data.threaded_conversation_with_injections_v2.instructions.0.entries.0.content.items.1.item.itemContent.tweet_results.result.legacy.full_text").String())
	assert.Equal(t, "reply one", gjson.Get(out, "data.threaded_conversation_with_injections_v2.instructions.0.entries.0.content.items.0.item.itemContent.tweet_results.result.legacy.full_text").String())
}

func TestGlobalObjects(t *testing.T) {
	raw := `{"globalObjects":{"tweets":{
	  "100":{"id_str":"100","full_text":"legacy timeline","entities":{"media":[{"type":"photo","media_url_https":"https://pbs.twimg.com/x.png"}]}},
	  "101":{"id_str":"101","full_text":"other"}
	},"users":{}},"timeline":{"id":"home"}}`

	a := New()
	posts := a.ExtractPosts(raw)
	require.Len(t, posts, 2)
	assert.Equal(t, []string{"https://pbs.twimg.com/x.png"}, posts[0].MediaURLs)

	out := a.UpdateResponseWithProcessedPosts(raw, []model.ProcessedPost{{ID: "100", ProcessedBody: model.StringPtr("changed"), ProcessedMediaURLs: []string{"https://cdn/x.png"}}})
	assert.Equal(t, "changed", gjson.Get(out, "globalObjects.tweets.100.full_text").String())
	assert.Equal(t, "https://cdn/x.png", gjson.Get(out, "globalObjects.tweets.100.entities.media.0.media_url_https").String())
	assert.Equal(t, "other", gjson.Get(out, "globalObjects.tweets.101.full_text").String())
	assert.Equal(t, "home", gjson.Get(out, "timeline.id").String())
}

func TestSearchStatuses(t *testing.T) {
	raw := `{"statuses":[{"id":555,"id_str":"555","text":"v1 search","extended_entities":{"media":[
	  {"type":"animated_gif","video_info":{"variants":[{"bitrate":0,"content_type":"video/mp4","url":"https://video.twimg.com/g.mp4"}]}}
	]}}],"search_metadata":{"count":1}}`

	a := New()
	posts := a.ExtractPosts(raw)
	require.Len(t, posts, 1)
	assert.Equal(t, "555", posts[0].ID)
	assert.Equal(t, "v1 search", *posts[0].Body)
	assert.Equal(t, []string{"https://video.twimg.com/g.mp4"}, posts[0].MediaURLs)

	out := a.UpdateResponseWithProcessedPosts(raw, []model.ProcessedPost{{ID: "555", ProcessedBody: model.StringPtr("x")}})
	assert.Equal(t, "x", gjson.Get(out, "statuses.0.text").String())
	assert.Equal(t, int64(1), gjson.Get(out, "search_metadata.count").Int())
}

func TestUserTimelineArray(t *testing.T) {
	raw := `[{"id_str":"7","full_text":"from array"}]`
	posts := New().ExtractPosts(raw)
	require.Len(t, posts, 1)
	assert.Equal(t, "7", posts[0].ID)
}

func TestTwitterFailOpen(t *testing.T) {
	a := New()
	processed := []model.ProcessedPost{{ID: "1", ProcessedBody: model.StringPtr("x")}}
	for _, in := range []string{"", "<html>", `{"data":`, `{"errors":[{"message":"rate"}]}`, `{"data":{"viewer":{}}}`} {
		assert.Empty(t, a.ExtractPosts(in), in)
		assert.Equal(t, in, a.UpdateResponseWithProcessedPosts(in, processed), in)
	}
}

func TestUnknownIDUntouched(t *testing.T) {
	out := New().UpdateResponseWithProcessedPosts(homeTimeline, []model.ProcessedPost{{ID: "404", ProcessedBody: model.StringPtr("x")}})
	assert.Equal(t, homeTimeline, out)
}

func TestTwitterCanHandle(t *testing.T) {
	a := New()
	for _, u := range []string{"https://x.com/i/api/graphql/q/HomeTimeline", "https://twitter.com/home", "https://api.twitter.com/2/timeline/home.json"} {
		assert.True(t, a.CanHandle(u), u)
	}
	assert.False(t, a.CanHandle("https://box.com/"))
	assert.False(t, a.CanHandle("https://www.reddit.com/"))
}
