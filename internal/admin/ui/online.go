package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"

	"github.com/notepid/twilight_chat/internal/admin/app"
)

// onlineModel lists connected users and kicks them on request.
type onlineModel struct {
	app *app.App

	width  int
	height int

	Done bool

	list list.Model
	err  error

	form    *huh.Form
	target  string
	reason  string
	confirm bool
	notice  string
}

type onlineItem string

func (i onlineItem) Title() string       { return string(i) }
func (i onlineItem) Description() string { return "enter to kick" }
func (i onlineItem) FilterValue() string { return string(i) }

func newOnlineModel(a *app.App) *onlineModel {
	m := &onlineModel{app: a, list: emptyList()}
	m.reload()
	return m
}

func (m *onlineModel) Finished() bool { return m.Done }

func (m *onlineModel) SetSize(w, h int) {
	m.width, m.height = w, h
	m.list.SetSize(w, h-3)
}

func (m *onlineModel) Update(msg tea.Msg) tea.Cmd {
	if m.err != nil {
		if k, ok := msg.(tea.KeyMsg); ok && (k.String() == "esc" || k.String() == "q" || k.String() == "enter") {
			m.err = nil
			m.form = nil
			m.reload()
		}
		return nil
	}

	if m.form != nil {
		return m.updateForm(msg)
	}

	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "q", "esc":
			m.Done = true
			return nil
		case "r":
			m.notice = ""
			m.reload()
			return nil
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)

	if k, ok := msg.(tea.KeyMsg); ok && k.String() == "enter" {
		if it, ok := m.list.SelectedItem().(onlineItem); ok {
			m.startKick(string(it))
			return nil
		}
	}
	return cmd
}

func (m *onlineModel) updateForm(msg tea.Msg) tea.Cmd {
	if k, ok := msg.(tea.KeyMsg); ok && k.String() == "esc" {
		m.form = nil
		return nil
	}

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
	if m.confirm {
		ctx, cancel := m.app.Context()
		defer cancel()
		if err := m.app.Client.Kick(ctx, m.target, m.reason); err != nil {
			m.err = err
			return nil
		}
		m.notice = "kicked " + m.target
	}
	m.reload()
	return nil
}

func (m *onlineModel) startKick(name string) {
	m.target = name
	m.reason = ""
	m.confirm = true
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Reason (optional)").Value(&m.reason),
			huh.NewConfirm().Title("Kick "+name+"?").Value(&m.confirm),
		),
	)
}

func (m *onlineModel) reload() {
	ctx, cancel := m.app.Context()
	defer cancel()
	names, err := m.app.Client.Online(ctx)
	if err != nil {
		m.err = err
		return
	}

	items := make([]list.Item, 0, len(names))
	for _, n := range names {
		items = append(items, onlineItem(n))
	}
	m.list = list.New(items, list.NewDefaultDelegate(), m.width, m.height-3)
	m.list.Title = fmt.Sprintf("Online (%d)", len(names))
	m.list.SetShowStatusBar(false)
	m.list.SetFilteringEnabled(true)
	m.list.SetShowHelp(true)
}

func (m *onlineModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("Online error: %v\n\nPress Enter/Esc to go back.", m.err)
	}
	if m.form != nil {
		return m.form.View() + "\n\n(esc to cancel)"
	}
	footer := "\n(r refresh, enter kick, esc back)"
	if m.notice != "" {
		footer = "\n" + okStyle.Render(m.notice) + footer
	}
	return m.list.View() + footer
}
