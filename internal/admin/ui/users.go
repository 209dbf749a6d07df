package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"

	"github.com/notepid/twilight_chat/internal/admin/api"
	"github.com/notepid/twilight_chat/internal/admin/app"
)

type usersModel struct {
	app *app.App

	width  int
	height int

	Done bool

	state usersState

	list list.Model
	err  error

	selected *api.User

	form *huh.Form

	createUsername string
	createPassword string
	createConfirm  string
	createSave     bool

	kickReason string
	kickSave   bool
}

type usersState int

const (
	usersStateList usersState = iota
	usersStateDetail
	usersStateCreate
	usersStateKick
)

type userItem struct {
	name  string
	title string
	desc  string
	kind  string
}

func (i userItem) Title() string       { return i.title }
func (i userItem) Description() string { return i.desc }
func (i userItem) FilterValue() string { return i.title }

func newUsersModel(a *app.App) *usersModel {
	m := &usersModel{app: a, state: usersStateList, list: emptyList()}
	m.reloadList()
	return m
}

func (m *usersModel) Finished() bool { return m.Done }

func (m *usersModel) SetSize(w, h int) {
	m.width, m.height = w, h
	m.list.SetSize(w, h-2)
}

func (m *usersModel) Update(msg tea.Msg) tea.Cmd {
	if m.err != nil {
		switch msg := msg.(type) {
		case tea.KeyMsg:
			if msg.String() == "esc" || msg.String() == "q" || msg.String() == "enter" {
				m.err = nil
				m.state = usersStateList
				m.form = nil
				m.selected = nil
				m.reloadList()
			}
		}
		return nil
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q":
			if m.state == usersStateList {
				m.Done = true
				return nil
			}
		case "esc":
			m.back()
			return nil
		}
	}

	switch m.state {
	case usersStateList:
		return m.updateList(msg)
	case usersStateDetail:
		return m.updateDetail(msg)
	case usersStateCreate, usersStateKick:
		return m.updateForm(msg)
	default:
		return nil
	}
}

func (m *usersModel) updateList(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "enter" {
			it, ok := m.list.SelectedItem().(userItem)
			if !ok {
				return cmd
			}
			if it.kind == "create" {
				m.startCreate()
				return nil
			}

			m.selectUser(it.name)
			if m.err != nil {
				return nil
			}
			m.state = usersStateDetail
			m.list = newActionList(m.selected, m.width, m.height)
			return nil
		}
	}

	return cmd
}

func (m *usersModel) updateDetail(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "enter" {
			it, ok := m.list.SelectedItem().(userItem)
			if !ok {
				return cmd
			}
			m.runAction(it.kind)
			return nil
		}
	}

	return cmd
}

// runAction performs a detail-screen action against the selected user.
func (m *usersModel) runAction(kind string) {
	if m.selected == nil {
		return
	}
	name := m.selected.Username
	ctx, cancel := m.app.Context()
	defer cancel()

	var err error
	switch kind {
	case "ban":
		err = m.app.Client.Ban(ctx, name)
	case "unban":
		err = m.app.Client.Unban(ctx, name)
	case "kick":
		m.startKick()
		return
	case "back":
		m.back()
		return
	}
	if err != nil {
		m.err = err
		return
	}
	m.selectUser(name)
	m.list = newActionList(m.selected, m.width, m.height)
}

func (m *usersModel) updateForm(msg tea.Msg) tea.Cmd {
	if m.form == nil {
		m.err = fmt.Errorf("internal error: form not initialized")
		return nil
	}
	var cmd tea.Cmd
	updated, cmd := m.form.Update(msg)
	f, ok := updated.(*huh.Form)
	if !ok {
		m.err = fmt.Errorf("internal error: unexpected form model type")
		return nil
	}
	m.form = f
	if m.form.State != huh.StateCompleted {
		return cmd
	}

	ctx, cancel := m.app.Context()
	defer cancel()

	switch m.state {
	case usersStateCreate:
		if m.createSave {
			if err := m.app.Client.Register(ctx, strings.TrimSpace(m.createUsername), m.createPassword); err != nil {
				m.err = err
				return nil
			}
		}
		m.form = nil
		m.state = usersStateList
		m.reloadList()
	case usersStateKick:
		if m.kickSave && m.selected != nil {
			if err := m.app.Client.Kick(ctx, m.selected.Username, strings.TrimSpace(m.kickReason)); err != nil {
				m.err = err
				return nil
			}
		}
		m.selectUser(m.selected.Username)
		m.form = nil
		m.state = usersStateDetail
		m.list = newActionList(m.selected, m.width, m.height)
	}
	return nil
}

func (m *usersModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("Users error: %v\n\nPress Enter/Esc to go back.", m.err)
	}

	switch m.state {
	case usersStateList:
		m.list.Title = "Users"
		return m.list.View() + "\n(q to quit, enter to select)"
	case usersStateDetail:
		if m.selected == nil {
			return "No user selected\n\n(esc to go back)"
		}
		u := m.selected
		header := titleStyle.Render("User: "+u.Username) + "  " + userStatus(*u) + "\n"
		meta := fmt.Sprintf("Registered: %s\nLast active: %s\n\n", formatTime(u.RegisteredAt), formatTime(u.LastActiveAt))
		m.list.Title = "Actions"
		return header + meta + m.list.View() + "\n(esc to go back)"
	default:
		return m.form.View() + "\n\n(esc to go back)"
	}
}

func (m *usersModel) reloadList() {
	ctx, cancel := m.app.Context()
	defer cancel()
	users, err := m.app.Client.Users(ctx)
	if err != nil {
		m.err = err
		return
	}

	items := make([]list.Item, 0, len(users)+1)
	items = append(items, userItem{title: "+ Register new user", desc: "Add a new account", kind: "create"})
	for _, u := range users {
		items = append(items, userItem{name: u.Username, title: u.Username, desc: userStatus(u), kind: "user"})
	}

	m.list = list.New(items, list.NewDefaultDelegate(), m.width, m.height-2)
	m.list.SetShowStatusBar(false)
	m.list.SetFilteringEnabled(true)
	m.list.SetShowHelp(true)
	m.list.Title = "Users"
}

// selectUser refreshes m.selected from the server.
func (m *usersModel) selectUser(name string) {
	ctx, cancel := m.app.Context()
	defer cancel()
	users, err := m.app.Client.Users(ctx)
	if err != nil {
		m.err = err
		return
	}
	for i := range users {
		if users[i].Username == name {
			m.selected = &users[i]
			return
		}
	}
	m.err = fmt.Errorf("user %s not found", name)
}

func newActionList(u *api.User, w, h int) list.Model {
	items := []list.Item{}
	if u != nil && u.Banned {
		items = append(items, userItem{title: "Unban", desc: "Allow the user to log in again", kind: "unban"})
	} else {
		items = append(items, userItem{title: "Ban", desc: "Block logins and disconnect", kind: "ban"})
	}
	if u != nil && u.Online {
		items = append(items, userItem{title: "Kick", desc: "Disconnect the current session", kind: "kick"})
	}
	items = append(items, userItem{title: "Back", desc: "Return to users list", kind: "back"})

	l := list.New(items, list.NewDefaultDelegate(), w, h-8)
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.SetShowHelp(true)
	return l
}

func (m *usersModel) startCreate() {
	m.state = usersStateCreate
	m.createUsername = ""
	m.createPassword = ""
	m.createConfirm = ""
	m.createSave = true
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Username").Value(&m.createUsername).Validate(nonEmpty("username")),
			huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&m.createPassword).Validate(nonEmpty("password")),
			huh.NewInput().Title("Confirm password").EchoMode(huh.EchoModePassword).Value(&m.createConfirm).Validate(func(s string) error {
				if s != m.createPassword {
					return fmt.Errorf("passwords do not match")
				}
				return nil
			}),
		),
		huh.NewGroup(
			huh.NewConfirm().Title("Register user?").Value(&m.createSave),
		),
	)
}

func (m *usersModel) startKick() {
	m.state = usersStateKick
	m.kickReason = ""
	m.kickSave = true
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Reason (optional)").Value(&m.kickReason),
		),
		huh.NewGroup(
			huh.NewConfirm().Title("Kick " + m.selected.Username + "?").Value(&m.kickSave),
		),
	)
}

func (m *usersModel) back() {
	switch m.state {
	case usersStateList:
		m.Done = true
	case usersStateDetail:
		m.state = usersStateList
		m.selected = nil
		m.form = nil
		m.reloadList()
	default:
		m.state = usersStateDetail
		m.form = nil
		m.list = newActionList(m.selected, m.width, m.height)
	}
}

func userStatus(u api.User) string {
	var parts []string
	if u.Online {
		parts = append(parts, okStyle.Render("online"))
	} else {
		parts = append(parts, dimStyle.Render("offline"))
	}
	if u.Banned {
		parts = append(parts, errStyle.Render("banned"))
	}
	return strings.Join(parts, " • ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func nonEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s cannot be empty", field)
		}
		return nil
	}
}
