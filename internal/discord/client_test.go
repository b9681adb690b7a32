package discord

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pairbot/internal/config"
	"pairbot/internal/domain"
	"pairbot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   []byte
}

type fakeDiscord struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeDiscord(t *testing.T) (*fakeDiscord, *Client) {
	t.Helper()
	f := &fakeDiscord{routes: map[string]func(w http.ResponseWriter, r *http.Request){}}
	ts := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(ts.Close)

	c := NewClient(config.DiscordConfig{
		BotToken:       "token",
		GuildID:        "guild-1",
		CategoryID:     "cat-1",
		APIBaseURL:     ts.URL,
		RateLimitRPS:   1000,
		RateLimitBurst: 100,
	}, nil)
	return f, c
}

func (f *fakeDiscord) handle(method, path string, h func(w http.ResponseWriter, r *http.Request)) {
	f.routes[method+" "+path] = h
}

func (f *fakeDiscord) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: body})
	h, ok := f.routes[r.Method+" "+r.URL.Path]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Unknown Channel", "code": 10003}`))
		return
	}
	h(w, r)
}

func (f *fakeDiscord) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func (f *fakeDiscord) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestConnectClosesReady(t *testing.T) {
	f, c := newFakeDiscord(t)
	f.handle(http.MethodGet, "/users/@me", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, User{ID: "bot", Username: "pairbot"})
	})

	require.NoError(t, c.Connect(context.Background()))
	select {
	case <-c.Ready():
	default:
		t.Fatal("ready channel not closed")
	}
	assert.Equal(t, "Bot token", f.last().Auth)
}

func TestConnectRetriesUntilLimit(t *testing.T) {
	_, c := newFakeDiscord(t)
	c.retry.MaxRetries = 2
	c.retry.InitialDelay = time.Millisecond

	err := c.Connect(context.Background())
	assert.Error(t, err)
	select {
	case <-c.Ready():
		t.Fatal("ready must stay open on failure")
	default:
	}
}

func TestCreateTextChannelPermissions(t *testing.T) {
	f, c := newFakeDiscord(t)
	f.handle(http.MethodPost, "/guilds/guild-1/channels", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, Channel{ID: "ch-1"})
	})

	id, err := c.CreateTextChannel(context.Background(), "💬0310-1300-1400-cat", []string{"111", "222"})
	require.NoError(t, err)
	assert.Equal(t, "ch-1", id)

	var req createChannelRequest
	require.NoError(t, json.Unmarshal(f.last().Body, &req))
	assert.Equal(t, channelTypeText, req.Type)
	assert.Equal(t, "cat-1", req.ParentID)
	assert.Zero(t, req.Bitrate)
	require.Len(t, req.PermissionOverwrites, 3)
	assert.Equal(t, "guild-1", req.PermissionOverwrites[0].ID)
	assert.Equal(t, "1024", req.PermissionOverwrites[0].Deny)
	assert.Equal(t, "111", req.PermissionOverwrites[1].ID)
	assert.Equal(t, overwriteMember, req.PermissionOverwrites[1].Type)
}

func TestCreateVoiceChannelBitrate(t *testing.T) {
	f, c := newFakeDiscord(t)
	f.handle(http.MethodPost, "/guilds/guild-1/channels", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, Channel{ID: "v-1"})
	})

	_, err := c.CreateVoiceChannel(context.Background(), "🎤0310 1300-1400 cat", []string{"111"})
	require.NoError(t, err)

	var req createChannelRequest
	require.NoError(t, json.Unmarshal(f.last().Body, &req))
	assert.Equal(t, channelTypeVoice, req.Type)
	assert.Equal(t, models.DefaultVoiceBitrate, req.Bitrate)
}

func TestFindChannelUsesCache(t *testing.T) {
	f, c := newFakeDiscord(t)
	f.handle(http.MethodGet, "/guilds/guild-1/channels", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []Channel{
			{ID: "1", Name: "lobby", ParentID: ""},
			{ID: "2", Name: "room", ParentID: "cat-1"},
			{ID: "3", Name: "lobby-other", ParentID: "cat-1"},
		})
	})
	ctx := context.Background()

	id, found, err := c.FindChannel(ctx, "room")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "2", id)

	// channels outside the category are ignored
	_, found, err = c.FindChannel(ctx, "lobby")
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, 1, f.count(http.MethodGet, "/guilds/guild-1/channels"))
}

func TestDeleteChannelNotFound(t *testing.T) {
	_, c := newFakeDiscord(t)

	err := c.DeleteChannel(context.Background(), "gone")
	assert.ErrorIs(t, err, domain.ErrChannelNotFound)
}

func TestRateLimitedStatus(t *testing.T) {
	f, c := newFakeDiscord(t)
	f.handle(http.MethodPatch, "/channels/ch-1", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"retry_after": 1.5}`))
	})

	err := c.RenameChannel(context.Background(), "ch-1", "new-name")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestServerErrorIncludesBody(t *testing.T) {
	f, c := newFakeDiscord(t)
	f.handle(http.MethodPatch, "/guilds/guild-1/members/111", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`Target user is not connected to voice.`))
	})

	err := c.MoveParticipant(context.Background(), "111", "v-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected to voice")

	var body map[string]string
	require.NoError(t, json.Unmarshal(f.last().Body, &body))
	assert.Equal(t, "v-1", body["channel_id"])
}

func TestPostInteractivePromptRows(t *testing.T) {
	f, c := newFakeDiscord(t)
	f.handle(http.MethodPost, "/channels/ch-1/messages", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"id": "m-1"})
	})

	prompt := models.Prompt{Text: "Rate your session"}
	for i := 1; i <= 6; i++ {
		prompt.Options = append(prompt.Options, models.PromptOption{
			ID:    models.PromptID(models.ActionRate, "b-1", strings.Repeat("⭐", i)),
			Label: strings.Repeat("⭐", i),
		})
	}
	require.NoError(t, c.PostInteractivePrompt(context.Background(), "ch-1", prompt))

	var msg Message
	require.NoError(t, json.Unmarshal(f.last().Body, &msg))
	assert.Equal(t, "Rate your session", msg.Content)
	require.Len(t, msg.Components, 2)
	assert.Len(t, msg.Components[0].Components, 5)
	assert.Len(t, msg.Components[1].Components, 1)
	assert.Equal(t, int(models.ButtonPrimary), msg.Components[0].Components[0].Style)
}

func TestPostMessageRequiresChannel(t *testing.T) {
	_, c := newFakeDiscord(t)
	assert.Error(t, c.PostMessage(context.Background(), " ", "hi"))
}
