package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/teamforge/internal/codec"
	"github.com/MarcoPoloResearchLab/teamforge/internal/svcerror"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testGroupID = "group-1"
	testAlice   = "alice@example.com"
	testBob     = "bob@example.com"
	testEve     = "eve@example.com"
)

type stubMembership struct {
	members map[string]map[string]bool
	err     error
}

func (s stubMembership) IsMember(_ context.Context, groupID string, memberID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.members[groupID][memberID], nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) MessageCreated(groupID string, sequence int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, fmt.Sprintf("%s:%d", groupID, sequence))
}

type counterIDProvider struct {
	next int
}

func (p *counterIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("message-%03d", p.next), nil
}

type unavailableKeys struct{}

func (unavailableKeys) KeyFor(string) ([]byte, error) {
	return nil, errors.New("key service offline")
}

type chatFixture struct {
	service  *Service
	database *gorm.DB
	notifier *recordingNotifier
	logs     *observer.ObservedLogs
}

func defaultMembership() stubMembership {
	return stubMembership{members: map[string]map[string]bool{
		testGroupID: {testAlice: true, testBob: true},
		"group-2":   {testAlice: true},
	}}
}

func mustChatFixture(t *testing.T, keys codec.KeyProvider, membership MembershipChecker) chatFixture {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&Message{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	messageCodec, err := codec.New(codec.Config{Keys: keys})
	if err != nil {
		t.Fatalf("failed to construct codec: %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	notifier := &recordingNotifier{}
	millis := int64(1700000000000)
	service, err := NewService(ServiceConfig{
		Database:   database,
		Codec:      messageCodec,
		Membership: membership,
		Notifier:   notifier,
		IDProvider: &counterIDProvider{},
		Logger:     zap.New(core),
		Clock: func() time.Time {
			millis += 1000
			return time.UnixMilli(millis)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return chatFixture{service: service, database: database, notifier: notifier, logs: logs}
}

func mustGroupKeys(t *testing.T) codec.KeyProvider {
	t.Helper()
	provider, err := codec.NewGroupKeyProvider(bytes.Repeat([]byte{0x5a}, codec.KeySize))
	if err != nil {
		t.Fatalf("failed to construct key provider: %v", err)
	}
	return provider
}

func mustSend(t *testing.T, service *Service, sender, text string) SentMessage {
	t.Helper()
	sent, err := service.SendMessage(context.Background(), SendRequest{GroupID: testGroupID, Sender: sender, Text: text})
	if err != nil {
		t.Fatalf("send %q failed: %v", text, err)
	}
	return sent
}

func TestSendAndListMessagesRoundTrip(t *testing.T) {
	fixture := mustChatFixture(t, mustGroupKeys(t), defaultMembership())

	first := mustSend(t, fixture.service, testAlice, "meet at 5pm")
	second := mustSend(t, fixture.service, "  BOB@example.com ", "see you there")
	if second.Sequence <= first.Sequence {
		t.Fatalf("expected increasing sequences, got %d then %d", first.Sequence, second.Sequence)
	}
	if second.Sender != testBob {
		t.Fatalf("expected normalized sender, got %q", second.Sender)
	}

	messages, err := fixture.service.ListMessages(context.Background(), ListRequest{GroupID: testGroupID, Reader: testBob})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Text != "meet at 5pm" || messages[0].Status != codec.StatusVerified || messages[0].Sender != testAlice {
		t.Fatalf("unexpected first message: %+v", messages[0])
	}
	if messages[1].Text != "see you there" || messages[1].Status != codec.StatusVerified {
		t.Fatalf("unexpected second message: %+v", messages[1])
	}
	if !messages[0].CreatedAt.Before(messages[1].CreatedAt) {
		t.Fatalf("expected ascending timestamps")
	}

	expectedEvents := []string{
		fmt.Sprintf("%s:%d", testGroupID, first.Sequence),
		fmt.Sprintf("%s:%d", testGroupID, second.Sequence),
	}
	if len(fixture.notifier.events) != len(expectedEvents) {
		t.Fatalf("expected %d notifications, got %v", len(expectedEvents), fixture.notifier.events)
	}
	for index, expected := range expectedEvents {
		if fixture.notifier.events[index] != expected {
			t.Fatalf("unexpected notification %q, want %q", fixture.notifier.events[index], expected)
		}
	}
}

func TestSendMessageStoresOnlySealedText(t *testing.T) {
	fixture := mustChatFixture(t, mustGroupKeys(t), defaultMembership())
	sent := mustSend(t, fixture.service, testAlice, "secret plan")

	var stored Message
	if err := fixture.database.Where("message_id = ?", sent.MessageID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to load stored message: %v", err)
	}
	if stored.Ciphertext == "" || stored.Ciphertext == "secret plan" {
		t.Fatalf("expected sealed ciphertext, got %q", stored.Ciphertext)
	}
	if stored.IntegrityTag != codec.IntegrityTag("secret plan") {
		t.Fatalf("expected plaintext digest as integrity tag")
	}
}

func TestSendMessageRejectsBlankText(t *testing.T) {
	fixture := mustChatFixture(t, mustGroupKeys(t), defaultMembership())

	for _, text := range []string{"", "   ", "\n"} {
		_, err := fixture.service.SendMessage(context.Background(), SendRequest{GroupID: testGroupID, Sender: testAlice, Text: text})
		if !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("expected empty message error for %q, got %v", text, err)
		}
	}
	assertStoredCount(t, fixture.database, 0)
	if len(fixture.notifier.events) != 0 {
		t.Fatalf("expected no notifications")
	}
}

func TestSendMessageRejectsOversizedText(t *testing.T) {
	fixture := mustChatFixture(t, mustGroupKeys(t), defaultMembership())
	text := make([]rune, MaxMessageRunes+1)
	for index := range text {
		text[index] = 'é'
	}
	_, err := fixture.service.SendMessage(context.Background(), SendRequest{GroupID: testGroupID, Sender: testAlice, Text: string(text)})
	if !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("expected message too long error, got %v", err)
	}
}

func TestNonMembersCannotSendOrRead(t *testing.T) {
	fixture := mustChatFixture(t, mustGroupKeys(t), defaultMembership())
	mustSend(t, fixture.service, testAlice, "members only")

	_, err := fixture.service.SendMessage(context.Background(), SendRequest{GroupID: testGroupID, Sender: testEve, Text: "let me in"})
	if !errors.Is(err, ErrNotGroupMember) {
		t.Fatalf("expected not member error on send, got %v", err)
	}
	if svcerror.CodeOf(err) != "chat.send_message.not_group_member" {
		t.Fatalf("unexpected code %q", svcerror.CodeOf(err))
	}

	_, err = fixture.service.ListMessages(context.Background(), ListRequest{GroupID: testGroupID, Reader: testEve})
	if !errors.Is(err, ErrNotGroupMember) {
		t.Fatalf("expected not member error on list, got %v", err)
	}
	assertStoredCount(t, fixture.database, 1)
}

func TestMembershipFailureIsSurfaced(t *testing.T) {
	fixture := mustChatFixture(t, mustGroupKeys(t), stubMembership{err: errors.New("store unavailable")})
	_, err := fixture.service.SendMessage(context.Background(), SendRequest{GroupID: testGroupID, Sender: testAlice, Text: "hello"})
	if svcerror.CodeOf(err) != "chat.send_message.membership_check_failed" {
		t.Fatalf("unexpected code %q", svcerror.CodeOf(err))
	}
}

func TestSealFailureIsFatalAndPersistsNothing(t *testing.T) {
	fixture := mustChatFixture(t, unavailableKeys{}, defaultMembership())

	_, err := fixture.service.SendMessage(context.Background(), SendRequest{GroupID: testGroupID, Sender: testAlice, Text: "meet at 5pm"})
	if svcerror.CodeOf(err) != "chat.send_message.seal_failed" {
		t.Fatalf("unexpected code %q", svcerror.CodeOf(err))
	}
	var encodingErr *codec.EncodingError
	if !errors.As(err, &encodingErr) {
		t.Fatalf("expected encoding error in chain, got %v", err)
	}
	assertStoredCount(t, fixture.database, 0)
	if len(fixture.notifier.events) != 0 {
		t.Fatalf("expected no notifications after seal failure")
	}
}

func TestListMessagesIsolatesTamperedRecords(t *testing.T) {
	fixture := mustChatFixture(t, mustGroupKeys(t), defaultMembership())
	first := mustSend(t, fixture.service, testAlice, "first")
	second := mustSend(t, fixture.service, testBob, "second")
	third := mustSend(t, fixture.service, testAlice, "third")

	if err := fixture.database.Model(&Message{}).
		Where("message_id = ?", first.MessageID).
		Update("ciphertext", "AQIDBA==").Error; err != nil {
		t.Fatalf("failed to tamper ciphertext: %v", err)
	}
	if err := fixture.database.Model(&Message{}).
		Where("message_id = ?", second.MessageID).
		Update("integrity_tag", codec.IntegrityTag("forged")).Error; err != nil {
		t.Fatalf("failed to tamper tag: %v", err)
	}

	messages, err := fixture.service.ListMessages(context.Background(), ListRequest{GroupID: testGroupID, Reader: testAlice})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected all 3 messages to be delivered, got %d", len(messages))
	}
	if messages[0].Status != codec.StatusDecryptionFailed || messages[0].Text != codec.DecryptionFailedText {
		t.Fatalf("unexpected tampered ciphertext outcome: %+v", messages[0])
	}
	if messages[1].Status != codec.StatusIntegrityWarning || messages[1].Text != "second"+codec.IntegrityWarningSuffix {
		t.Fatalf("unexpected tampered tag outcome: %+v", messages[1])
	}
	if messages[2].Status != codec.StatusVerified || messages[2].MessageID != third.MessageID {
		t.Fatalf("unexpected untouched outcome: %+v", messages[2])
	}

	warnings := fixture.logs.FilterMessage("message failed verification").All()
	if len(warnings) != 2 {
		t.Fatalf("expected 2 verification warnings, got %d", len(warnings))
	}
	for _, entry := range warnings {
		if entry.Level != zapcore.WarnLevel {
			t.Fatalf("expected warn level, got %s", entry.Level)
		}
		for _, field := range entry.Context {
			if field.String == "first" || field.String == "second" {
				t.Fatalf("warning leaked plaintext in field %s", field.Key)
			}
		}
	}
}

func TestListMessagesRejectsRecordMovedBetweenGroups(t *testing.T) {
	fixture := mustChatFixture(t, mustGroupKeys(t), defaultMembership())
	sent := mustSend(t, fixture.service, testAlice, "meant for group one")

	if err := fixture.database.Model(&Message{}).
		Where("message_id = ?", sent.MessageID).
		Update("group_id", "group-2").Error; err != nil {
		t.Fatalf("failed to move record: %v", err)
	}

	messages, err := fixture.service.ListMessages(context.Background(), ListRequest{GroupID: "group-2", Reader: testAlice})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != 1 || messages[0].Status != codec.StatusDecryptionFailed {
		t.Fatalf("expected moved record to fail decryption, got %+v", messages)
	}
}

func TestListMessagesHonoursCursorAndLimit(t *testing.T) {
	fixture := mustChatFixture(t, mustGroupKeys(t), defaultMembership())
	sent := make([]SentMessage, 0, 5)
	for index := 0; index < 5; index++ {
		sent = append(sent, mustSend(t, fixture.service, testAlice, fmt.Sprintf("message %d", index)))
	}

	messages, err := fixture.service.ListMessages(context.Background(), ListRequest{
		GroupID:       testGroupID,
		Reader:        testAlice,
		AfterSequence: sent[1].Sequence,
		Limit:         2,
	})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Sequence != sent[2].Sequence || messages[1].Sequence != sent[3].Sequence {
		t.Fatalf("unexpected page: %d, %d", messages[0].Sequence, messages[1].Sequence)
	}
	if messages[0].Text != "message 2" {
		t.Fatalf("unexpected text %q", messages[0].Text)
	}
}

func TestServiceWithoutDependenciesReportsCodes(t *testing.T) {
	service := &Service{}
	_, err := service.SendMessage(context.Background(), SendRequest{GroupID: testGroupID, Sender: testAlice, Text: "hi"})
	if svcerror.CodeOf(err) != "chat.send_message.missing_database" {
		t.Fatalf("unexpected code %q", svcerror.CodeOf(err))
	}
	_, err = service.ListMessages(context.Background(), ListRequest{GroupID: testGroupID, Reader: testAlice})
	if svcerror.CodeOf(err) != "chat.list_messages.missing_database" {
		t.Fatalf("unexpected code %q", svcerror.CodeOf(err))
	}
}

func assertStoredCount(t *testing.T, database *gorm.DB, expected int64) {
	t.Helper()
	var count int64
	if err := database.Model(&Message{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count messages: %v", err)
	}
	if count != expected {
		t.Fatalf("expected %d stored messages, got %d", expected, count)
	}
}
