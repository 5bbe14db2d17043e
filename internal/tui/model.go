// Package tui provides the interactive organization picker for tenantctl.
// This package uses Bubble Tea and Lipgloss from Charm.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/Dicklesworthstone/tenantctl/internal/tenant"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Tenants is the part of the tenant manager the picker drives.
type Tenants interface {
	ListOrganizations(ctx context.Context) ([]tenant.Organization, error)
	SwitchOrganization(ctx context.Context, id string) (*tenant.Organization, error)
	ClearSelection(ctx context.Context) error
	Current() *tenant.Organization
}

// viewState represents the current view/mode of the TUI.
type viewState int

const (
	stateLoading viewState = iota
	stateList
	stateHelp
)

type orgsLoadedMsg struct {
	orgs []tenant.Organization
	err  error
}

type orgSwitchedMsg struct {
	org *tenant.Organization
	err error
}

type selectionClearedMsg struct {
	err error
}

// item adapts an organization to the list.
type item struct {
	org     tenant.Organization
	current bool
}

func (i item) Title() string {
	if i.current {
		return "● " + i.org.Name
	}
	return i.org.Name
}

func (i item) Description() string {
	parts := []string{i.org.Slug}
	if i.org.UserRole != "" {
		parts = append(parts, i.org.UserRole)
	}
	if i.org.MemberCount > 0 {
		parts = append(parts, fmt.Sprintf("%d members", i.org.MemberCount))
	}
	return strings.Join(parts, " · ")
}

func (i item) FilterValue() string { return i.org.Name + " " + i.org.Slug }

// Model is the Bubble Tea model for the organization picker.
type Model struct {
	ctx     context.Context
	tenants Tenants
	user    string

	list   list.Model
	keys   keyMap
	styles Styles

	width  int
	height int
	state  viewState
	err    error

	statusMsg string
	chosen    *tenant.Organization
	cleared   bool
}

// New creates a picker for the signed-in user.
func New(ctx context.Context, tenants Tenants, user string) Model {
	l := list.New(nil, listDelegate(), 0, 0)
	l.Title = "Organizations"
	l.SetShowHelp(false)
	l.SetShowStatusBar(false)
	l.DisableQuitKeybindings()
	l.Styles.Title = lipgloss.NewStyle().Bold(true).Foreground(colorWhite).Background(colorPurple).Padding(0, 1)

	return Model{
		ctx:     ctx,
		tenants: tenants,
		user:    user,
		list:    l,
		keys:    defaultKeyMap(),
		styles:  DefaultStyles(),
		state:   stateLoading,
	}
}

// Chosen returns the organization the user switched to, if any.
func (m Model) Chosen() *tenant.Organization {
	return m.chosen
}

// Cleared reports whether the user cleared the selection.
func (m Model) Cleared() bool {
	return m.cleared
}

// Err returns the last error shown to the user.
func (m Model) Err() error {
	return m.err
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.loadOrganizations
}

func (m Model) loadOrganizations() tea.Msg {
	orgs, err := m.tenants.ListOrganizations(m.ctx)
	return orgsLoadedMsg{orgs: orgs, err: err}
}

func (m Model) switchTo(id string) tea.Cmd {
	return func() tea.Msg {
		org, err := m.tenants.SwitchOrganization(m.ctx, id)
		return orgSwitchedMsg{org: org, err: err}
	}
}

func (m Model) clearSelection() tea.Msg {
	return selectionClearedMsg{err: m.tenants.ClearSelection(m.ctx)}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.list.SetSize(msg.Width, max(msg.Height-3, 1))
		return m, nil

	case orgsLoadedMsg:
		m.state = stateList
		if msg.err != nil {
			m.err = msg.err
			m.statusMsg = "Could not load organizations"
			return m, nil
		}
		m.err = nil
		m.statusMsg = ""
		return m, m.setItems(msg.orgs)

	case orgSwitchedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.statusMsg = "Switch failed"
			return m, m.loadOrganizations
		}
		m.chosen = msg.org
		return m, tea.Quit

	case selectionClearedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.statusMsg = "Clear failed"
			return m, nil
		}
		m.cleared = true
		return m, tea.Quit

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// While typing a filter every key belongs to the list.
	if m.list.FilterState() == list.Filtering {
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		return m, cmd
	}

	if m.state == stateHelp {
		if key.Matches(msg, m.keys.Help) || key.Matches(msg, m.keys.Quit) {
			m.state = stateList
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.list.FilterState() == list.FilterApplied && msg.String() == "esc" {
			m.list.ResetFilter()
			return m, nil
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.state = stateHelp
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		m.statusMsg = "Reloading..."
		return m, m.loadOrganizations

	case key.Matches(msg, m.keys.Clear):
		return m, m.clearSelection

	case key.Matches(msg, m.keys.Enter):
		selected, ok := m.list.SelectedItem().(item)
		if !ok {
			return m, nil
		}
		m.statusMsg = "Switching to " + selected.org.Name + "..."
		return m, m.switchTo(selected.org.ID)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// setItems replaces the list contents and moves the cursor to the current
// organization.
func (m *Model) setItems(orgs []tenant.Organization) tea.Cmd {
	currentID := ""
	if cur := m.tenants.Current(); cur != nil {
		currentID = cur.ID
	}

	items := make([]list.Item, len(orgs))
	cursor := 0
	for i, org := range orgs {
		items[i] = item{org: org, current: org.ID == currentID}
		if org.ID == currentID {
			cursor = i
		}
	}
	cmd := m.list.SetItems(items)
	m.list.Select(cursor)
	return cmd
}

// View implements tea.Model.
func (m Model) View() string {
	if m.width == 0 || m.state == stateLoading {
		return "Loading..."
	}
	if m.state == stateHelp {
		return m.helpView()
	}

	header := m.styles.Header.Render("tenantctl")
	if m.user != "" {
		header += "  " + m.styles.User.Render(m.user)
	}

	body := m.list.View()
	if len(m.list.Items()) == 0 && m.err == nil {
		body = m.styles.Empty.Render("You do not belong to any organization yet\n\nUse 'tenantctl org create <name>' to create one")
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.renderStatusBar())
}

// renderStatusBar renders the bottom status bar.
func (m Model) renderStatusBar() string {
	if m.err != nil {
		text := m.statusMsg
		if text == "" {
			text = "Error"
		}
		return m.styles.StatusBar.Width(m.width).Render(m.styles.Error.Render(text + ": " + m.err.Error()))
	}
	if m.statusMsg != "" {
		return m.styles.StatusBar.Width(m.width).Render(m.styles.StatusText.Render(m.statusMsg))
	}

	var parts []string
	for _, b := range m.keys.ShortHelp() {
		h := b.Help()
		parts = append(parts, m.styles.StatusKey.Render(h.Key)+m.styles.StatusText.Render(" "+h.Desc))
	}
	parts = append(parts, m.styles.StatusKey.Render("/")+m.styles.StatusText.Render(" filter"))
	return m.styles.StatusBar.Width(m.width).Render(strings.Join(parts, "  "))
}

func (m Model) helpView() string {
	var b strings.Builder
	b.WriteString(m.styles.Header.Render("Keys"))
	b.WriteString("\n\n")
	for _, group := range m.keys.FullHelp() {
		for _, binding := range group {
			h := binding.Help()
			fmt.Fprintf(&b, "%s  %s\n", m.styles.StatusKey.Render(fmt.Sprintf("%-6s", h.Key)), h.Desc)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s  %s\n", m.styles.StatusKey.Render(fmt.Sprintf("%-6s", "↑/↓")), "move")
	fmt.Fprintf(&b, "%s  %s\n", m.styles.StatusKey.Render(fmt.Sprintf("%-6s", "/")), "filter by name or slug")
	return m.styles.Help.Render(b.String())
}

// Run shows the picker until the user switches, clears, or quits. It
// returns the organization switched to, or nil.
func Run(ctx context.Context, tenants Tenants, user string) (*tenant.Organization, error) {
	p := tea.NewProgram(New(ctx, tenants, user), tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("run picker: %w", err)
	}
	m, ok := final.(Model)
	if !ok {
		return nil, nil
	}
	return m.Chosen(), nil
}
