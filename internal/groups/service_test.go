package groups

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/teamforge/internal/svcerror"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("group-%d", p.next), nil
}

func mustGroupService(t *testing.T) *Service {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&Group{}, &Membership{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	seconds := int64(1700000000)
	service, err := NewService(ServiceConfig{
		Database:   database,
		IDProvider: &sequenceIDProvider{},
		Clock: func() time.Time {
			seconds++
			return time.Unix(seconds, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustMemberID(t *testing.T, value string) MemberID {
	t.Helper()
	id, err := NewMemberID(value)
	if err != nil {
		t.Fatalf("unexpected member id error: %v", err)
	}
	return id
}

func TestNewMemberIDNormalizes(t *testing.T) {
	id, err := NewMemberID("  Alice@Example.COM ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "alice@example.com" {
		t.Fatalf("expected lowercased member id, got %q", id)
	}
	if _, err := NewMemberID("   "); !errors.Is(err, ErrInvalidMemberID) {
		t.Fatalf("expected invalid member id error, got %v", err)
	}
	if _, err := NewGroupID(""); !errors.Is(err, ErrInvalidGroupID) {
		t.Fatalf("expected invalid group id error, got %v", err)
	}
}

func TestCreateGroupAddsCreatorAsMember(t *testing.T) {
	service := mustGroupService(t)
	creator := mustMemberID(t, "alice@example.com")

	view, err := service.CreateGroup(context.Background(), "  Rocket Team ", creator)
	if err != nil {
		t.Fatalf("create group failed: %v", err)
	}
	if view.Name != "Rocket Team" {
		t.Fatalf("expected trimmed name, got %q", view.Name)
	}
	if len(view.Members) != 1 || view.Members[0] != creator.String() {
		t.Fatalf("expected creator to be the only member, got %v", view.Members)
	}

	isMember, err := service.IsMember(context.Background(), view.GroupID, "ALICE@example.com")
	if err != nil {
		t.Fatalf("membership check failed: %v", err)
	}
	if !isMember {
		t.Fatalf("expected creator to be a member")
	}
}

func TestCreateGroupRejectsBlankName(t *testing.T) {
	service := mustGroupService(t)
	_, err := service.CreateGroup(context.Background(), "   ", mustMemberID(t, "alice@example.com"))
	if !errors.Is(err, ErrInvalidGroupName) {
		t.Fatalf("expected invalid name error, got %v", err)
	}
	if svcerror.CodeOf(err) != "groups.create_group.invalid_name" {
		t.Fatalf("unexpected code %q", svcerror.CodeOf(err))
	}
}

func TestAddMemberRequiresExistingMembership(t *testing.T) {
	service := mustGroupService(t)
	alice := mustMemberID(t, "alice@example.com")
	bob := mustMemberID(t, "bob@example.com")
	mallory := mustMemberID(t, "mallory@example.com")

	view, err := service.CreateGroup(context.Background(), "Team", alice)
	if err != nil {
		t.Fatalf("create group failed: %v", err)
	}
	groupID := GroupID(view.GroupID)

	if _, err := service.AddMember(context.Background(), groupID, mallory, mallory); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected not member error, got %v", err)
	}

	updated, err := service.AddMember(context.Background(), groupID, alice, bob)
	if err != nil {
		t.Fatalf("add member failed: %v", err)
	}
	if len(updated.Members) != 2 || updated.Members[1] != bob.String() {
		t.Fatalf("unexpected members after add: %v", updated.Members)
	}

	again, err := service.AddMember(context.Background(), groupID, bob, bob)
	if err != nil {
		t.Fatalf("repeated add failed: %v", err)
	}
	if len(again.Members) != 2 {
		t.Fatalf("expected idempotent add, got %v", again.Members)
	}

	if _, err := service.AddMember(context.Background(), GroupID("missing"), alice, bob); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected group not found error, got %v", err)
	}
}

func TestGetGroupIsMemberOnly(t *testing.T) {
	service := mustGroupService(t)
	alice := mustMemberID(t, "alice@example.com")
	view, err := service.CreateGroup(context.Background(), "Team", alice)
	if err != nil {
		t.Fatalf("create group failed: %v", err)
	}

	loaded, err := service.GetGroup(context.Background(), GroupID(view.GroupID), alice)
	if err != nil {
		t.Fatalf("get group failed: %v", err)
	}
	if loaded.Name != "Team" || loaded.CreatedBy != alice.String() {
		t.Fatalf("unexpected group: %+v", loaded)
	}

	if _, err := service.GetGroup(context.Background(), GroupID(view.GroupID), mustMemberID(t, "eve@example.com")); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected not member error, got %v", err)
	}
}

func TestListGroupsForMember(t *testing.T) {
	service := mustGroupService(t)
	alice := mustMemberID(t, "alice@example.com")
	bob := mustMemberID(t, "bob@example.com")

	first, err := service.CreateGroup(context.Background(), "First", alice)
	if err != nil {
		t.Fatalf("create group failed: %v", err)
	}
	second, err := service.CreateGroup(context.Background(), "Second", alice)
	if err != nil {
		t.Fatalf("create group failed: %v", err)
	}
	if _, err := service.CreateGroup(context.Background(), "Bob only", bob); err != nil {
		t.Fatalf("create group failed: %v", err)
	}

	groups, err := service.ListGroupsForMember(context.Background(), alice)
	if err != nil {
		t.Fatalf("list groups failed: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].GroupID != second.GroupID || groups[1].GroupID != first.GroupID {
		t.Fatalf("expected newest group first, got %s then %s", groups[0].GroupID, groups[1].GroupID)
	}
}

func TestIsMemberHandlesUnknownInput(t *testing.T) {
	service := mustGroupService(t)
	isMember, err := service.IsMember(context.Background(), "", "alice@example.com")
	if err != nil || isMember {
		t.Fatalf("expected no membership for blank group, got %v %v", isMember, err)
	}
	isMember, err = service.IsMember(context.Background(), "group-404", "alice@example.com")
	if err != nil || isMember {
		t.Fatalf("expected no membership for unknown group, got %v %v", isMember, err)
	}
}

func TestServiceWithoutDatabaseReportsCode(t *testing.T) {
	service := &Service{}
	_, err := service.IsMember(context.Background(), "group-1", "alice@example.com")
	if svcerror.CodeOf(err) != "groups.is_member.missing_database" {
		t.Fatalf("unexpected code %q", svcerror.CodeOf(err))
	}
}
