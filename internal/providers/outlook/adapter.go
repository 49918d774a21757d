package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// Graph caps $top at 1000 for message collections
const maxPageSize = 1000

const graphTime = "2006-01-02T15:04:05.000Z"

var messageFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients", "bccRecipients",
	"bodyPreview", "receivedDateTime", "createdDateTime", "lastModifiedDateTime",
	"isRead", "isDraft", "flag", "categories", "parentFolderId", "hasAttachments",
}

// Adapter implements sync.MailboxClient for Outlook/Microsoft Graph.
// Graph has no history feed, so the cursor is the newest
// lastModifiedDateTime seen, in unix milliseconds.
type Adapter struct {
	client  *msgraphsdk.GraphServiceClient
	userID  string
	limiter *rate.Limiter

	sentFolder   string
	sentResolved bool
}

// New creates a new Outlook adapter. userID is the Graph user id or "me".
func New(ts oauth2.TokenSource, userID string) (*Adapter, error) {
	cred := &tokenSourceCredential{ts: ts}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	if userID == "" {
		userID = "me"
	}

	return &Adapter{
		client:  client,
		userID:  userID,
		limiter: rate.NewLimiter(rate.Limit(4), 8),
	}, nil
}

// MaxPageSize implements sync.MailboxClient
func (a *Adapter) MaxPageSize() int { return maxPageSize }

// ListMessages lists one page of messages. Page tokens are Graph nextLinks.
func (a *Adapter) ListMessages(ctx context.Context, opts sync.ListOptions) (*sync.MessagePage, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	size := opts.MaxResults
	if size <= 0 || size > maxPageSize {
		size = maxPageSize
	}
	user := a.client.Users().ByUserId(a.userID)

	var (
		result models.MessageCollectionResponseable
		err    error
	)
	if opts.LabelID != "" {
		folder := user.MailFolders().ByMailFolderId(opts.LabelID).Messages()
		if opts.PageToken != "" {
			result, err = folder.WithUrl(opts.PageToken).Get(ctx, nil)
		} else {
			result, err = folder.Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
				QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
					Top:    int32Ptr(int32(size)),
					Select: []string{"id", "conversationId"},
				},
			})
		}
	} else {
		msgs := user.Messages()
		if opts.PageToken != "" {
			result, err = msgs.WithUrl(opts.PageToken).Get(ctx, nil)
		} else {
			result, err = msgs.Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
				QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
					Top:     int32Ptr(int32(size)),
					Select:  []string{"id", "conversationId"},
					Orderby: []string{"receivedDateTime desc"},
				},
			})
		}
	}
	if err != nil {
		return nil, translate(err, "list messages")
	}

	page := &sync.MessagePage{NextPageToken: deref(result.GetOdataNextLink())}
	for _, m := range result.GetValue() {
		page.Messages = append(page.Messages, sync.MessageRef{ID: deref(m.GetId()), ThreadID: deref(m.GetConversationId())})
	}
	return page, nil
}

// GetMessageMetadata fetches message metadata without the body
func (a *Adapter) GetMessageMetadata(ctx context.Context, id string) (*sync.MessageMeta, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	msg, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: messageFields,
		},
	})
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("message %s: %w", id, sync.ErrMessageNotFound)
		}
		return nil, translate(err, "get message "+id)
	}

	sent, err := a.sentFolderID(ctx)
	if err != nil {
		return nil, err
	}
	return normalizeOutlook(msg, sent), nil
}

// ListHistory reports messages modified since start. New messages come back
// as additions; older ones as label changes carrying their full label set.
func (a *Adapter) ListHistory(ctx context.Context, start uint64, pageToken string) (*sync.HistoryPage, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	msgs := a.client.Users().ByUserId(a.userID).Messages()
	var (
		result models.MessageCollectionResponseable
		err    error
	)
	if pageToken != "" {
		result, err = msgs.WithUrl(pageToken).Get(ctx, nil)
	} else {
		filter := "lastModifiedDateTime ge " + fromCursor(start).Format(graphTime)
		result, err = msgs.Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Top:     int32Ptr(maxPageSize),
				Filter:  &filter,
				Select:  messageFields,
				Orderby: []string{"lastModifiedDateTime asc"},
			},
		})
	}
	if err != nil {
		return nil, translate(err, "list changes")
	}

	sent, err := a.sentFolderID(ctx)
	if err != nil {
		return nil, err
	}

	page := &sync.HistoryPage{NextPageToken: deref(result.GetOdataNextLink())}
	for _, m := range result.GetValue() {
		page.Records = append(page.Records, changeRecord(m, start, sent))
	}
	return page, nil
}

// ListLabels returns mail folder id -> display name
func (a *Adapter) ListLabels(ctx context.Context) (map[string]string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := a.client.Users().ByUserId(a.userID).MailFolders().Get(ctx, &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{
			Top: int32Ptr(250),
		},
	})
	if err != nil {
		return nil, translate(err, "list folders")
	}

	labels := make(map[string]string)
	for _, f := range result.GetValue() {
		labels[deref(f.GetId())] = deref(f.GetDisplayName())
	}
	return labels, nil
}

// CurrentCursor returns the newest lastModifiedDateTime in the mailbox
func (a *Adapter) CurrentCursor(ctx context.Context) (uint64, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(1),
			Select:  []string{"id", "lastModifiedDateTime"},
			Orderby: []string{"lastModifiedDateTime desc"},
		},
	})
	if err != nil {
		return 0, translate(err, "read cursor")
	}

	for _, m := range result.GetValue() {
		if ts := m.GetLastModifiedDateTime(); ts != nil {
			return toCursor(*ts), nil
		}
	}
	return toCursor(time.Now()), nil
}

func (a *Adapter) sentFolderID(ctx context.Context) (string, error) {
	if a.sentResolved {
		return a.sentFolder, nil
	}
	folder, err := a.client.Users().ByUserId(a.userID).MailFolders().ByMailFolderId("sentitems").Get(ctx, nil)
	if err != nil {
		return "", translate(err, "resolve sent folder")
	}
	a.sentFolder = deref(folder.GetId())
	a.sentResolved = true
	return a.sentFolder, nil
}

func changeRecord(m models.Messageable, start uint64, sentFolder string) sync.HistoryRecord {
	var rec sync.HistoryRecord
	if ts := m.GetLastModifiedDateTime(); ts != nil {
		rec.ID = toCursor(*ts)
	}

	ref := sync.MessageRef{ID: deref(m.GetId()), ThreadID: deref(m.GetConversationId())}
	created := m.GetCreatedDateTime()
	if created == nil || toCursor(*created) >= start {
		rec.MessagesAdded = []sync.MessageRef{ref}
		return rec
	}
	rec.LabelsAdded = []sync.LabelChange{{
		MessageID:     ref.ID,
		CurrentLabels: labelsFor(m, sentFolder),
	}}
	return rec
}

// labelsFor maps folder, categories and flags onto a label set
func labelsFor(m models.Messageable, sentFolder string) []string {
	labels := []string{}
	folder := deref(m.GetParentFolderId())
	if folder != "" {
		labels = append(labels, folder)
	}
	labels = append(labels, m.GetCategories()...)
	if read := m.GetIsRead(); read != nil && !*read {
		labels = append(labels, sync.LabelUnread)
	}
	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil && *status == models.FLAGGED_FOLLOWUPFLAGSTATUS {
			labels = append(labels, sync.LabelStarred)
		}
	}
	if draft := m.GetIsDraft(); draft != nil && *draft {
		labels = append(labels, sync.LabelDraft)
	}
	if sentFolder != "" && folder == sentFolder {
		labels = append(labels, sync.LabelSent)
	}
	return sync.NormalizeLabels(labels)
}

// normalizeOutlook converts Outlook message to MessageMeta
func normalizeOutlook(m models.Messageable, sentFolder string) *sync.MessageMeta {
	meta := &sync.MessageMeta{
		MessageID: deref(m.GetId()),
		ThreadID:  deref(m.GetConversationId()),
		Subject:   deref(m.GetSubject()),
		Snippet:   deref(m.GetBodyPreview()),
		To:        extractAddresses(m.GetToRecipients()),
		Cc:        extractAddresses(m.GetCcRecipients()),
		Bcc:       extractAddresses(m.GetBccRecipients()),
		Labels:    labelsFor(m, sentFolder),
	}

	if from := m.GetFrom(); from != nil {
		meta.From = formatRecipient(from)
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		meta.InternalDate = rcvd.UTC()
	}
	if ts := m.GetLastModifiedDateTime(); ts != nil {
		meta.HistoryID = toCursor(*ts)
	}
	if has := m.GetHasAttachments(); has != nil && *has {
		meta.HasAttachments = true
		meta.AttachmentCount = 1
	}
	return meta
}

// extractAddresses extracts email addresses from recipients
func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if s := formatRecipient(r); s != "" {
			addrs = append(addrs, s)
		}
	}
	return addrs
}

func formatRecipient(r models.Recipientable) string {
	email := r.GetEmailAddress()
	if email == nil {
		return ""
	}
	addr := deref(email.GetAddress())
	if addr == "" {
		return ""
	}
	if name := deref(email.GetName()); name != "" && name != addr {
		return fmt.Sprintf("%s <%s>", name, addr)
	}
	return addr
}

func statusCode(err error) int {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		return oerr.ResponseStatusCode
	}
	return 0
}

func translate(err error, op string) error {
	var retrieveErr *oauth2.RetrieveError
	switch {
	case errors.As(err, &retrieveErr):
		return fmt.Errorf("%s: %w: %w", op, sync.ErrAuth, err)
	case statusCode(err) == http.StatusUnauthorized, statusCode(err) == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %w", op, sync.ErrAuth, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toCursor(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

func fromCursor(c uint64) time.Time {
	return time.UnixMilli(int64(c)).UTC()
}

// tokenSourceCredential adapts an oauth2.TokenSource to azcore
type tokenSourceCredential struct {
	ts oauth2.TokenSource
}

func (c *tokenSourceCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.ts.Token()
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("fetch graph token: %w: %w", sync.ErrAuth, err)
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
