package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"pairbot/internal/config"
	"pairbot/internal/domain"
	"pairbot/internal/metrics"
	"pairbot/internal/models"
	"pairbot/internal/worker"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://discord.com/api/v10"

const (
	channelTypeText  = 0
	channelTypeVoice = 2

	overwriteRole   = 0
	overwriteMember = 1

	permViewChannel        = 1 << 10
	permSendMessages       = 1 << 11
	permReadMessageHistory = 1 << 16
	permConnect            = 1 << 20
	permSpeak              = 1 << 21

	maxButtonsPerRow = 5
	channelsCacheKey = "guild_channels"
)

type Channel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     int    `json:"type"`
	ParentID string `json:"parent_id,omitempty"`
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type PermissionOverwrite struct {
	ID    string `json:"id"`
	Type  int    `json:"type"`
	Allow string `json:"allow,omitempty"`
	Deny  string `json:"deny,omitempty"`
}

type createChannelRequest struct {
	Name                 string                `json:"name"`
	Type                 int                   `json:"type"`
	ParentID             string                `json:"parent_id,omitempty"`
	Bitrate              int                   `json:"bitrate,omitempty"`
	PermissionOverwrites []PermissionOverwrite `json:"permission_overwrites"`
}

type Button struct {
	Type     int    `json:"type"`
	Style    int    `json:"style"`
	Label    string `json:"label"`
	CustomID string `json:"custom_id"`
}

type ActionRow struct {
	Type       int      `json:"type"`
	Components []Button `json:"components"`
}

type Message struct {
	Content    string      `json:"content"`
	Components []ActionRow `json:"components,omitempty"`
}

// Client talks to the Discord REST API on behalf of the bot.
type Client struct {
	token      string
	guildID    string
	categoryID string
	baseURL    string
	bitrate    int
	client     *http.Client
	limiter    *rate.Limiter
	cache      *cache.Cache
	retry      worker.RetryPolicy
	logger     *zerolog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

func NewClient(cfg config.DiscordConfig, logger *zerolog.Logger) *Client {
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	bitrate := cfg.VoiceBitrate
	if bitrate <= 0 {
		bitrate = models.DefaultVoiceBitrate
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Client{
		token:      cfg.BotToken,
		guildID:    cfg.GuildID,
		categoryID: cfg.CategoryID,
		baseURL:    baseURL,
		bitrate:    bitrate,
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		cache:      cache.New(30*time.Second, time.Minute),
		retry: worker.RetryPolicy{
			InitialDelay:  time.Second,
			MaxDelay:      time.Minute,
			BackoffFactor: 2,
		},
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// Ready is closed after Connect succeeds.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Connect checks the bot token against the API, retrying with backoff until it
// succeeds or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		var me User
		err := c.do(ctx, "get_me", http.MethodGet, nil, &me, "users", "@me")
		if err == nil {
			c.logger.Info().Str("bot_id", me.ID).Str("bot_name", me.Username).Msg("Discord client ready")
			c.readyOnce.Do(func() { close(c.ready) })
			return nil
		}

		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Discord connect failed")
		if c.retry.MaxRetries > 0 && attempt >= c.retry.MaxRetries {
			return fmt.Errorf("discord connect: %w", err)
		}
		if err := c.retry.Wait(ctx, attempt); err != nil {
			return err
		}
	}
}

func (c *Client) FindChannel(ctx context.Context, name string) (string, bool, error) {
	channels, err := c.listChannels(ctx)
	if err != nil {
		return "", false, err
	}
	for _, ch := range channels {
		if c.categoryID != "" && ch.ParentID != c.categoryID {
			continue
		}
		if ch.Name == name {
			return ch.ID, true, nil
		}
	}
	return "", false, nil
}

func (c *Client) CreateTextChannel(ctx context.Context, name string, participants []string) (string, error) {
	return c.createChannel(ctx, name, channelTypeText, participants)
}

func (c *Client) CreateVoiceChannel(ctx context.Context, name string, participants []string) (string, error) {
	return c.createChannel(ctx, name, channelTypeVoice, participants)
}

func (c *Client) RenameChannel(ctx context.Context, ref, name string) error {
	defer c.cache.Delete(channelsCacheKey)
	return c.do(ctx, "rename_channel", http.MethodPatch, map[string]string{"name": name}, nil, "channels", ref)
}

func (c *Client) DeleteChannel(ctx context.Context, ref string) error {
	defer c.cache.Delete(channelsCacheKey)
	return c.do(ctx, "delete_channel", http.MethodDelete, nil, nil, "channels", ref)
}

func (c *Client) MoveParticipant(ctx context.Context, participantRef, voiceRef string) error {
	body := map[string]string{"channel_id": voiceRef}
	return c.do(ctx, "move_member", http.MethodPatch, body, nil, "guilds", c.guildID, "members", participantRef)
}

func (c *Client) PostMessage(ctx context.Context, ref, content string) error {
	if len(strings.TrimSpace(ref)) == 0 {
		return errors.New("channelID cannot be empty")
	}
	return c.do(ctx, "post_message", http.MethodPost, Message{Content: content}, nil, "channels", ref, "messages")
}

func (c *Client) PostInteractivePrompt(ctx context.Context, ref string, prompt models.Prompt) error {
	if len(strings.TrimSpace(ref)) == 0 {
		return errors.New("channelID cannot be empty")
	}
	msg := Message{Content: prompt.Text, Components: buttonRows(prompt.Options)}
	return c.do(ctx, "post_prompt", http.MethodPost, msg, nil, "channels", ref, "messages")
}

func (c *Client) createChannel(ctx context.Context, name string, kind int, participants []string) (string, error) {
	allow := permViewChannel | permSendMessages | permReadMessageHistory
	req := createChannelRequest{
		Name:     name,
		Type:     kind,
		ParentID: c.categoryID,
	}
	if kind == channelTypeVoice {
		allow = permViewChannel | permConnect | permSpeak
		req.Bitrate = c.bitrate
	}

	req.PermissionOverwrites = append(req.PermissionOverwrites, PermissionOverwrite{
		ID:   c.guildID, // @everyone role shares the guild id
		Type: overwriteRole,
		Deny: strconv.Itoa(permViewChannel),
	})
	for _, p := range participants {
		req.PermissionOverwrites = append(req.PermissionOverwrites, PermissionOverwrite{
			ID:    p,
			Type:  overwriteMember,
			Allow: strconv.Itoa(allow),
		})
	}

	var created Channel
	if err := c.do(ctx, "create_channel", http.MethodPost, req, &created, "guilds", c.guildID, "channels"); err != nil {
		return "", err
	}
	c.cache.Delete(channelsCacheKey)
	return created.ID, nil
}

func (c *Client) listChannels(ctx context.Context) ([]Channel, error) {
	if cached, found := c.cache.Get(channelsCacheKey); found {
		return cached.([]Channel), nil
	}

	var channels []Channel
	if err := c.do(ctx, "list_channels", http.MethodGet, nil, &channels, "guilds", c.guildID, "channels"); err != nil {
		return nil, err
	}
	c.cache.SetDefault(channelsCacheKey, channels)
	return channels, nil
}

func buttonRows(options []models.PromptOption) []ActionRow {
	var rows []ActionRow
	for i := 0; i < len(options); i += maxButtonsPerRow {
		end := min(i+maxButtonsPerRow, len(options))
		row := ActionRow{Type: 1}
		for _, opt := range options[i:end] {
			style := int(opt.Style)
			if style == 0 {
				style = int(models.ButtonPrimary)
			}
			row.Components = append(row.Components, Button{
				Type:     2,
				Style:    style,
				Label:    opt.Label,
				CustomID: opt.ID,
			})
		}
		rows = append(rows, row)
	}
	return rows
}

// do sends one rate-limited request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, op, method string, body, out any, elem ...string) error {
	reqURL, err := c.getURL(elem...)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("failed create new request: %w", err)
	}
	c.setHeaders(req)

	res, err := c.client.Do(req)
	if err != nil {
		metrics.IncPlatformRequest(op, "error")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer res.Body.Close()
	metrics.IncPlatformRequest(op, strconv.Itoa(res.StatusCode))

	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		switch res.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, domain.ErrChannelNotFound)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w: %s", op, domain.ErrRateLimited, string(bodyBytes))
		}
		return fmt.Errorf("%s failed with status '%v' and body:\n%v", op, res.StatusCode, string(bodyBytes))
	}

	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bot "+c.token)
}

func (c *Client) getURL(elem ...string) (string, error) {
	clientURL, err := url.JoinPath(c.baseURL, elem...)
	if err != nil {
		return "", fmt.Errorf("failed to create URL: %w", err)
	}

	return clientURL, nil
}
