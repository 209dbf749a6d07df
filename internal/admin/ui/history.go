package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"

	"github.com/notepid/twilight_chat/internal/admin/api"
	"github.com/notepid/twilight_chat/internal/admin/app"
)

const historyPageSize = 50

type historyModel struct {
	app *app.App

	width  int
	height int

	Done bool

	state historyState
	list  list.Model
	form  *huh.Form
	err   error

	username string
	msgs     []api.Message
	offset   int

	selected *api.Message
}

type historyState int

const (
	historyStateFilter historyState = iota
	historyStateList
	historyStateDetail
)

type msgItem struct {
	index int
	title string
	desc  string
}

func (i msgItem) Title() string       { return i.title }
func (i msgItem) Description() string { return i.desc }
func (i msgItem) FilterValue() string { return i.title }

func newHistoryModel(a *app.App) *historyModel {
	m := &historyModel{app: a, list: emptyList()}
	m.startFilter()
	return m
}

func (m *historyModel) Finished() bool { return m.Done }

func (m *historyModel) SetSize(w, h int) {
	m.width, m.height = w, h
	m.list.SetSize(w, h-2)
}

func (m *historyModel) Update(msg tea.Msg) tea.Cmd {
	if m.err != nil {
		if k, ok := msg.(tea.KeyMsg); ok && (k.String() == "esc" || k.String() == "q" || k.String() == "enter") {
			m.err = nil
			m.startFilter()
		}
		return nil
	}

	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "esc":
			m.back()
			return nil
		case "q":
			if m.state != historyStateFilter {
				m.Done = true
				return nil
			}
		case "n":
			if m.state == historyStateList && m.offset+historyPageSize < len(m.msgs) {
				m.offset += historyPageSize
				m.buildList()
				return nil
			}
		case "p":
			if m.state == historyStateList {
				m.offset -= historyPageSize
				if m.offset < 0 {
					m.offset = 0
				}
				m.buildList()
				return nil
			}
		}
	}

	switch m.state {
	case historyStateFilter:
		return m.updateFilter(msg)
	case historyStateList:
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		if k, ok := msg.(tea.KeyMsg); ok && k.String() == "enter" {
			if it, ok := m.list.SelectedItem().(msgItem); ok {
				m.selected = &m.msgs[it.index]
				m.state = historyStateDetail
				return nil
			}
		}
		return cmd
	default:
		return nil
	}
}

func (m *historyModel) updateFilter(msg tea.Msg) tea.Cmd {
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

	m.form = nil
	m.load()
	if m.err == nil {
		m.state = historyStateList
	}
	return nil
}

func (m *historyModel) startFilter() {
	m.state = historyStateFilter
	m.selected = nil
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Username").
				Description("Leave empty to show every message").
				Value(&m.username),
		),
	)
}

func (m *historyModel) load() {
	ctx, cancel := m.app.Context()
	defer cancel()
	msgs, err := m.app.Client.History(ctx, strings.TrimSpace(m.username))
	if err != nil {
		m.err = err
		return
	}
	m.msgs = msgs
	// Newest page first.
	m.offset = 0
	if n := len(msgs); n > historyPageSize {
		m.offset = (n - 1) / historyPageSize * historyPageSize
	}
	m.buildList()
}

func (m *historyModel) buildList() {
	end := min(m.offset+historyPageSize, len(m.msgs))
	items := make([]list.Item, 0, end-m.offset)
	for i := m.offset; i < end; i++ {
		msg := m.msgs[i]
		title := msg.Content
		if msg.Deleted {
			title = dimStyle.Render("(deleted)")
		}
		desc := fmt.Sprintf("%s → %s • %s • %s", msg.Sender, msg.Recipient, msg.Type, msg.Timestamp.Local().Format("2006-01-02 15:04"))
		items = append(items, msgItem{index: i, title: title, desc: desc})
	}

	m.list = list.New(items, list.NewDefaultDelegate(), m.width, m.height-2)
	m.list.SetShowStatusBar(false)
	m.list.SetFilteringEnabled(true)
	m.list.SetShowHelp(true)
}

func (m *historyModel) back() {
	switch m.state {
	case historyStateFilter:
		m.Done = true
	case historyStateList:
		m.startFilter()
	case historyStateDetail:
		m.state = historyStateList
		m.selected = nil
	}
}

func (m *historyModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("History error: %v\n\nPress Enter/Esc to go back.", m.err)
	}

	switch m.state {
	case historyStateFilter:
		return m.form.View() + "\n\n(esc to go back)"
	case historyStateList:
		who := "all users"
		if u := strings.TrimSpace(m.username); u != "" {
			who = u
		}
		m.list.Title = fmt.Sprintf("History for %s (%d-%d of %d)", who,
			min(m.offset+1, len(m.msgs)), min(m.offset+historyPageSize, len(m.msgs)), len(m.msgs))
		return m.list.View() + "\n(n next page, p prev page, esc back)"
	case historyStateDetail:
		msg := m.selected
		header := fmt.Sprintf("ID: %s\nFrom: %s\nTo: %s\nType: %s\nDate: %s\nRead: %v",
			msg.ID, msg.Sender, msg.Recipient, msg.Type, msg.Timestamp.Local().Format("2006-01-02 15:04:05"), msg.Read)
		body := msg.Content
		if msg.Deleted {
			body = dimStyle.Render("(deleted)")
		}
		return titleStyle.Render("Message") + "\n" + header + "\n\n" + body + "\n\n(esc back)"
	default:
		return "History"
	}
}
