package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/argos/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	gmailUserID = "me"

	// DefaultBootstrapSize bounds the fallback listing when no watermark exists.
	DefaultBootstrapSize int64 = 5
	// DefaultHistoryPageSize is the page size for history deltas.
	DefaultHistoryPageSize int64 = 100
)

// GmailConfig configures a GmailGateway.
type GmailConfig struct {
	ClientID        string
	ClientSecret    string
	RedirectURL     string
	Label           string
	BootstrapSize   int64
	HistoryPageSize int64
	PubSubTopic     string

	// Endpoint and TokenURL override the Google defaults. Tests point them
	// at an httptest server.
	Endpoint string
	TokenURL string
}

// GmailGateway implements Gateway on the Gmail REST API. Each Open builds one
// client from the owner's stored OAuth tokens and the session reuses it.
type GmailGateway struct {
	cfg   GmailConfig
	oauth *oauth2.Config
	creds CredentialStore
	saver TokenSaver
	log   zerolog.Logger
}

// NewGmailGateway creates a gateway. saver may be nil, in which case refreshed
// tokens are used for the call and then dropped.
func NewGmailGateway(cfg GmailConfig, creds CredentialStore, saver TokenSaver, log zerolog.Logger) *GmailGateway {
	if cfg.BootstrapSize <= 0 {
		cfg.BootstrapSize = DefaultBootstrapSize
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = DefaultHistoryPageSize
	}

	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	return &GmailGateway{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{gmail.GmailReadonlyScope},
		},
		creds: creds,
		saver: saver,
		log:   log,
	}
}

// service builds a Gmail client authorised as the owner.
func (g *GmailGateway) service(ctx context.Context, ownerID uuid.UUID) (*gmail.Service, error) {
	creds, err := g.creds.GetMailCredentials(ctx, ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrCredential) {
			return nil, domain.NewFetchError(domain.ErrCredential, "", err)
		}
		return nil, fmt.Errorf("GmailGateway: load credentials: %w", err)
	}
	if creds == nil || (creds.AccessToken == "" && creds.RefreshToken == "") {
		return nil, domain.NewFetchError(domain.ErrCredential, "", errors.New("no tokens stored"))
	}
	if creds.RefreshToken == "" && !creds.Expiry.IsZero() && creds.Expiry.Before(time.Now()) {
		return nil, domain.NewFetchError(domain.ErrCredential, "", errors.New("access token expired and no refresh token"))
	}

	var ts oauth2.TokenSource = g.oauth.TokenSource(ctx, &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       creds.Expiry,
		TokenType:    "Bearer",
	})
	if g.saver != nil {
		ts = &persistingTokenSource{
			ctx:     ctx,
			base:    ts,
			saver:   g.saver,
			ownerID: ownerID,
			log:     g.log,
			last:    creds.AccessToken,
		}
	}

	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if g.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.cfg.Endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("GmailGateway: create gmail service: %w", err)
	}
	return svc, nil
}

// Open implements Gateway. The token source refreshes under ctx, so the
// session should not outlive it.
func (g *GmailGateway) Open(ctx context.Context, ownerID uuid.UUID) (Session, error) {
	svc, err := g.service(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &gmailSession{cfg: g.cfg, svc: svc}, nil
}

// gmailSession is a Session bound to one authorised client.
type gmailSession struct {
	cfg GmailConfig
	svc *gmail.Service
}

// ListCandidateMessages implements Session.
func (s *gmailSession) ListCandidateMessages(ctx context.Context, since string) (*domain.Listing, error) {
	if since == "" {
		return s.bootstrap(ctx)
	}

	startID, err := strconv.ParseUint(since, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ListCandidateMessages: unusable watermark %q: %w", since, domain.ErrWatermarkExpired)
	}
	return s.delta(ctx, since, startID)
}

// delta walks users.history.list from the watermark, keeping message refs in
// first-seen order.
func (s *gmailSession) delta(ctx context.Context, since string, startID uint64) (*domain.Listing, error) {
	listing := &domain.Listing{Watermark: since}
	seen := make(map[string]bool)

	call := s.svc.Users.History.List(gmailUserID).
		StartHistoryId(startID).
		HistoryTypes("messageAdded").
		MaxResults(s.cfg.HistoryPageSize)
	if s.cfg.Label != "" {
		call = call.LabelId(s.cfg.Label)
	}

	err := call.Pages(ctx, func(resp *gmail.ListHistoryResponse) error {
		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil || added.Message.Id == "" || seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				listing.Refs = append(listing.Refs, domain.MessageRef{
					ID:       added.Message.Id,
					ThreadID: added.Message.ThreadId,
				})
			}
		}
		if resp.HistoryId != 0 {
			listing.Watermark = domain.LaterWatermark(listing.Watermark, strconv.FormatUint(resp.HistoryId, 10))
		}
		return nil
	})
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("ListCandidateMessages: history %s: %w", since, domain.ErrWatermarkExpired)
		}
		return nil, classify(err, "")
	}

	return listing, nil
}

// bootstrap lists the most recent messages under the label. The profile is
// read first so that anything arriving during the listing is still inside the
// next delta window.
func (s *gmailSession) bootstrap(ctx context.Context) (*domain.Listing, error) {
	profile, err := s.svc.Users.GetProfile(gmailUserID).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, "")
	}

	call := s.svc.Users.Messages.List(gmailUserID).MaxResults(s.cfg.BootstrapSize)
	if s.cfg.Label != "" {
		call = call.LabelIds(s.cfg.Label)
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, classify(err, "")
	}

	listing := &domain.Listing{Bootstrap: true}
	if profile.HistoryId != 0 {
		listing.Watermark = strconv.FormatUint(profile.HistoryId, 10)
	}
	for _, m := range resp.Messages {
		if m == nil || m.Id == "" {
			continue
		}
		listing.Refs = append(listing.Refs, domain.MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return listing, nil
}

// FetchFullMessage implements Session.
func (s *gmailSession) FetchFullMessage(ctx context.Context, ref domain.MessageRef) (*domain.RawMessage, error) {
	msg, err := s.svc.Users.Messages.Get(gmailUserID, ref.ID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify(err, ref.ID)
	}

	raw := &domain.RawMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		Subject:  headerValue(msg.Payload, "Subject"),
	}
	if msg.InternalDate > 0 {
		raw.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.HistoryId != 0 {
		raw.HistoryID = strconv.FormatUint(msg.HistoryId, 10)
	}
	if raw.ID == "" {
		raw.ID = ref.ID
	}
	return raw, nil
}

// Watch registers the owner's mailbox for push notifications on the
// configured Pub/Sub topic.
func (g *GmailGateway) Watch(ctx context.Context, ownerID uuid.UUID) (*WatchResult, error) {
	if g.cfg.PubSubTopic == "" {
		return nil, errors.New("Watch: pubsub topic not configured")
	}

	svc, err := g.service(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	req := &gmail.WatchRequest{TopicName: g.cfg.PubSubTopic}
	if g.cfg.Label != "" {
		req.LabelIds = []string{g.cfg.Label}
	}

	resp, err := svc.Users.Watch(gmailUserID, req).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, "")
	}

	return &WatchResult{
		HistoryID:  strconv.FormatUint(resp.HistoryId, 10),
		Expiration: time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

func headerValue(part *gmail.MessagePart, name string) string {
	if part == nil {
		return ""
	}
	for _, h := range part.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

var (
	_ Gateway = (*GmailGateway)(nil)
	_ Session = (*gmailSession)(nil)
)
