package tui

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Dicklesworthstone/tenantctl/internal/tenant"
	tea "github.com/charmbracelet/bubbletea"
)

type fakeTenants struct {
	orgs      []tenant.Organization
	current   *tenant.Organization
	listErr   error
	switchErr error
	switched  []string
	cleared   bool
}

func (f *fakeTenants) ListOrganizations(context.Context) ([]tenant.Organization, error) {
	return f.orgs, f.listErr
}

func (f *fakeTenants) SwitchOrganization(_ context.Context, id string) (*tenant.Organization, error) {
	f.switched = append(f.switched, id)
	if f.switchErr != nil {
		return nil, f.switchErr
	}
	for i := range f.orgs {
		if f.orgs[i].ID == id {
			org := f.orgs[i]
			f.current = &org
			return &org, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeTenants) ClearSelection(context.Context) error {
	f.cleared = true
	f.current = nil
	return nil
}

func (f *fakeTenants) Current() *tenant.Organization { return f.current }

func sampleOrgs() []tenant.Organization {
	return []tenant.Organization{
		{ID: "o1", Name: "Acme", Slug: "acme", UserRole: "Owner", MemberCount: 3},
		{ID: "o2", Name: "Globex", Slug: "globex", UserRole: "Member"},
	}
}

// loaded returns a sized picker with the organizations loaded.
func loaded(t *testing.T, f *fakeTenants) Model {
	t.Helper()
	m := New(context.Background(), f, "Ada Lovelace")
	model, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	model, _ = model.(Model).Update(m.loadOrganizations())
	return model.(Model)
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestNew(t *testing.T) {
	m := New(context.Background(), &fakeTenants{}, "")
	if m.state != stateLoading {
		t.Errorf("expected loading state, got %d", m.state)
	}
	if m.View() != "Loading..." {
		t.Errorf("expected loading view, got %q", m.View())
	}
	if m.Init() == nil {
		t.Error("Init should load organizations")
	}
}

func TestModelUpdate_LoadsAndSelectsCurrent(t *testing.T) {
	f := &fakeTenants{orgs: sampleOrgs()}
	f.current = &f.orgs[1]
	m := loaded(t, f)

	if m.state != stateList {
		t.Fatalf("expected list state, got %d", m.state)
	}
	if got := len(m.list.Items()); got != 2 {
		t.Fatalf("expected 2 items, got %d", got)
	}
	sel, ok := m.list.SelectedItem().(item)
	if !ok || sel.org.ID != "o2" {
		t.Errorf("cursor should start on the current organization, got %+v", m.list.SelectedItem())
	}
	if !sel.current {
		t.Error("current organization should be marked")
	}

	view := m.View()
	for _, want := range []string{"Acme", "Globex", "Ada Lovelace"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModelUpdate_EnterSwitchesAndQuits(t *testing.T) {
	f := &fakeTenants{orgs: sampleOrgs()}
	m := loaded(t, f)

	model, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("enter should issue a switch command")
	}
	msg := cmd()
	if len(f.switched) != 1 || f.switched[0] != "o1" {
		t.Fatalf("expected switch to o1, got %v", f.switched)
	}

	model, cmd = model.(Model).Update(msg)
	m = model.(Model)
	if m.Chosen() == nil || m.Chosen().ID != "o1" {
		t.Errorf("expected chosen o1, got %+v", m.Chosen())
	}
	if !isQuit(cmd) {
		t.Error("a successful switch should quit")
	}
}

func TestModelUpdate_SwitchFailureStays(t *testing.T) {
	f := &fakeTenants{orgs: sampleOrgs(), switchErr: errors.New("Organization not found")}
	m := loaded(t, f)

	model, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	model, cmd = model.(Model).Update(cmd())
	m = model.(Model)

	if m.Chosen() != nil {
		t.Error("nothing should be chosen after a failed switch")
	}
	if m.Err() == nil {
		t.Error("expected error to be kept")
	}
	if isQuit(cmd) {
		t.Error("a failed switch must not quit")
	}
	if !strings.Contains(m.View(), "Organization not found") {
		t.Error("status bar should show the failure")
	}
}

func TestModelUpdate_LoadError(t *testing.T) {
	f := &fakeTenants{listErr: errors.New("boom")}
	m := loaded(t, f)
	if m.Err() == nil {
		t.Fatal("expected load error")
	}
	if !strings.Contains(m.View(), "Could not load organizations") {
		t.Error("view should report the load failure")
	}
}

func TestModelUpdate_EmptyList(t *testing.T) {
	m := loaded(t, &fakeTenants{})
	if !strings.Contains(m.View(), "org create") {
		t.Error("empty list should suggest creating an organization")
	}
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter}); cmd != nil {
		t.Error("enter on an empty list should do nothing")
	}
}

func TestModelUpdate_ClearSelection(t *testing.T) {
	f := &fakeTenants{orgs: sampleOrgs()}
	f.current = &f.orgs[0]
	m := loaded(t, f)

	model, cmd := m.Update(runes("x"))
	model, cmd = model.(Model).Update(cmd())
	if !f.cleared {
		t.Error("expected ClearSelection to be called")
	}
	if !model.(Model).Cleared() || !isQuit(cmd) {
		t.Error("clearing should record and quit")
	}
}

func TestModelUpdate_HelpToggle(t *testing.T) {
	m := loaded(t, &fakeTenants{orgs: sampleOrgs()})

	model, _ := m.Update(runes("?"))
	m = model.(Model)
	if m.state != stateHelp {
		t.Fatalf("expected help state, got %d", m.state)
	}
	if !strings.Contains(m.View(), "switch organization") {
		t.Error("help should list the bindings")
	}

	model, cmd := m.Update(runes("q"))
	m = model.(Model)
	if m.state != stateList {
		t.Error("q in help should return to the list")
	}
	if isQuit(cmd) {
		t.Error("q in help should not quit")
	}
}

func TestModelUpdate_Quit(t *testing.T) {
	m := loaded(t, &fakeTenants{orgs: sampleOrgs()})
	_, cmd := m.Update(runes("q"))
	if !isQuit(cmd) {
		t.Error("q should quit")
	}
}

func TestModelUpdate_FilteringOwnsKeys(t *testing.T) {
	m := loaded(t, &fakeTenants{orgs: sampleOrgs()})

	model, _ := m.Update(runes("/"))
	m = model.(Model)
	model, cmd := m.Update(runes("q"))
	if isQuit(cmd) {
		t.Error("typing q into the filter must not quit")
	}
	_ = model
}

func TestItem(t *testing.T) {
	i := item{org: sampleOrgs()[0], current: true}
	if !strings.HasPrefix(i.Title(), "● ") {
		t.Errorf("current item title = %q", i.Title())
	}
	if got := i.Description(); got != "acme · Owner · 3 members" {
		t.Errorf("Description() = %q", got)
	}
	if !strings.Contains(i.FilterValue(), "acme") {
		t.Errorf("FilterValue() = %q", i.FilterValue())
	}
}
