// Package ui implements the admin console screens.
package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/notepid/twilight_chat/internal/admin/app"
)

type screen int

const (
	screenHome screen = iota
	screenUsers
	screenOnline
	screenHistory
	screenAnnounce
)

// subModel is implemented by every screen below the home menu.
type subModel interface {
	Update(tea.Msg) tea.Cmd
	View() string
	SetSize(w, h int)
	Finished() bool
}

type rootModel struct {
	app *app.App

	width  int
	height int

	active screen

	homeList list.Model
	err      error

	current subModel
}

type menuItem struct {
	title string
	desc  string
	to    screen
}

func (m menuItem) Title() string       { return m.title }
func (m menuItem) Description() string { return m.desc }
func (m menuItem) FilterValue() string { return m.title }

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

func NewRootModel(a *app.App) tea.Model {
	items := []list.Item{
		menuItem{title: "Users", desc: "Register, ban and unban accounts", to: screenUsers},
		menuItem{title: "Online", desc: "Connected users; kick a session", to: screenOnline},
		menuItem{title: "History", desc: "Browse stored messages", to: screenHistory},
		menuItem{title: "Announce", desc: "Send a system notice to everyone", to: screenAnnounce},
		menuItem{title: "Quit", desc: "Exit", to: -1},
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Twilight Chat Admin (" + a.BaseURL + ")"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.SetShowHelp(true)

	return &rootModel{
		app:      a,
		active:   screenHome,
		homeList: l,
	}
}

func (m *rootModel) Init() tea.Cmd {
	return nil
}

func (m *rootModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.homeList.SetSize(msg.Width, msg.Height-2)
		if m.current != nil {
			m.current.SetSize(msg.Width, msg.Height)
		}
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
	}

	if m.active == screenHome || m.current == nil {
		return m.updateHome(msg)
	}

	cmd := m.current.Update(msg)
	if m.current.Finished() {
		m.active = screenHome
		m.current = nil
	}
	return m, cmd
}

func (m *rootModel) updateHome(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	m.homeList, cmd = m.homeList.Update(msg)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			if it, ok := m.homeList.SelectedItem().(menuItem); ok {
				if it.to == -1 {
					return m, tea.Quit
				}
				m.activate(it.to)
				return m, nil
			}
		}
	}

	return m, cmd
}

func (m *rootModel) activate(s screen) {
	m.active = s

	switch s {
	case screenUsers:
		m.current = newUsersModel(m.app)
	case screenOnline:
		m.current = newOnlineModel(m.app)
	case screenHistory:
		m.current = newHistoryModel(m.app)
	case screenAnnounce:
		m.current = newAnnounceModel(m.app)
	default:
		m.current = nil
		return
	}
	m.current.SetSize(m.width, m.height)
}

func (m *rootModel) View() string {
	if m.err != nil {
		return errStyle.Render("Error: ") + m.err.Error()
	}

	if m.active == screenHome {
		return m.homeList.View()
	}
	if m.current == nil {
		return titleStyle.Render("Unknown screen") + "\n" + fmt.Sprint(m.active)
	}
	return m.current.View()
}

// emptyList is a placeholder until a screen has loaded its data.
func emptyList() list.Model {
	return list.New(nil, list.NewDefaultDelegate(), 0, 0)
}
