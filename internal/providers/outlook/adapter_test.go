package outlook

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/sync"
)

func recipient(name, addr string) models.Recipientable {
	email := models.NewEmailAddress()
	email.SetName(&name)
	email.SetAddress(&addr)
	r := models.NewRecipient()
	r.SetEmailAddress(email)
	return r
}

func testMessage(created, modified time.Time) models.Messageable {
	id, conv, subject, folder := "AAMk1", "conv-1", "Quarterly numbers", "sent-folder"
	read, draft, attachments := false, false, true
	flagged := models.FLAGGED_FOLLOWUPFLAGSTATUS

	flag := models.NewFollowupFlag()
	flag.SetFlagStatus(&flagged)

	m := models.NewMessage()
	m.SetId(&id)
	m.SetConversationId(&conv)
	m.SetSubject(&subject)
	m.SetParentFolderId(&folder)
	m.SetIsRead(&read)
	m.SetIsDraft(&draft)
	m.SetHasAttachments(&attachments)
	m.SetFlag(flag)
	m.SetCategories([]string{"Finance"})
	m.SetFrom(recipient("Alice", "alice@example.com"))
	m.SetToRecipients([]models.Recipientable{recipient("", "bob@example.com")})
	m.SetReceivedDateTime(&created)
	m.SetCreatedDateTime(&created)
	m.SetLastModifiedDateTime(&modified)
	return m
}

func TestNormalizeOutlook(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	modified := created.Add(time.Hour)

	meta := normalizeOutlook(testMessage(created, modified), "sent-folder")

	if meta.MessageID != "AAMk1" || meta.ThreadID != "conv-1" {
		t.Errorf("unexpected ids %+v", meta)
	}
	if meta.From != "Alice <alice@example.com>" {
		t.Errorf("unexpected from %q", meta.From)
	}
	if len(meta.To) != 1 || meta.To[0] != "bob@example.com" {
		t.Errorf("unexpected to %v", meta.To)
	}
	if meta.HistoryID != uint64(modified.UnixMilli()) {
		t.Errorf("expected history id from lastModified, got %d", meta.HistoryID)
	}
	want := []string{"Finance", sync.LabelSent, sync.LabelStarred, sync.LabelUnread, "sent-folder"}
	if !slices.Equal(meta.Labels, sync.NormalizeLabels(want)) {
		t.Errorf("expected labels %v, got %v", want, meta.Labels)
	}
	if !meta.HasAttachments {
		t.Error("expected attachments")
	}
}

func TestChangeRecord(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	modified := created.Add(time.Hour)

	t.Run("created after cursor is an addition", func(t *testing.T) {
		rec := changeRecord(testMessage(created, modified), toCursor(created.Add(-time.Minute)), "")
		if len(rec.MessagesAdded) != 1 || len(rec.LabelsAdded) != 0 {
			t.Fatalf("expected addition, got %+v", rec)
		}
		if rec.ID != toCursor(modified) {
			t.Errorf("expected record id %d, got %d", toCursor(modified), rec.ID)
		}
	})

	t.Run("older message is a label change", func(t *testing.T) {
		rec := changeRecord(testMessage(created, modified), toCursor(created.Add(time.Minute)), "")
		if len(rec.MessagesAdded) != 0 || len(rec.LabelsAdded) != 1 {
			t.Fatalf("expected label change, got %+v", rec)
		}
		if rec.LabelsAdded[0].CurrentLabels == nil {
			t.Error("label change must carry the full label set")
		}
	})
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 30, 23, 59, 59, 123_000_000, time.UTC)
	if got := fromCursor(toCursor(ts)); !got.Equal(ts) {
		t.Fatalf("expected %v, got %v", ts, got)
	}
	if toCursor(time.Unix(-5, 0)) != 0 {
		t.Fatal("pre-epoch times must clamp to zero")
	}
}

type failingSource struct{}

func (failingSource) Token() (*oauth2.Token, error) { return nil, errors.New("revoked") }

func TestTokenSourceCredential(t *testing.T) {
	expiry := time.Now().Add(30 * time.Minute)
	cred := &tokenSourceCredential{ts: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "abc", Expiry: expiry})}

	tok, err := cred.GetToken(context.Background(), policy.TokenRequestOptions{})
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.Token != "abc" || !tok.ExpiresOn.Equal(expiry) {
		t.Errorf("unexpected token %+v", tok)
	}

	_, err = (&tokenSourceCredential{ts: failingSource{}}).GetToken(context.Background(), policy.TokenRequestOptions{})
	if !errors.Is(err, sync.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}
