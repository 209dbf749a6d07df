package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"

	"github.com/notepid/twilight_chat/internal/admin/app"
)

type announceModel struct {
	app *app.App

	width  int
	height int

	Done bool

	form   *huh.Form
	err    error
	result string

	text string
	send bool
}

func newAnnounceModel(a *app.App) *announceModel {
	m := &announceModel{app: a}
	m.form = buildAnnounceForm(&m.text, &m.send)
	return m
}

func buildAnnounceForm(text *string, send *bool) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewText().Title("Announcement").Value(text).Validate(nonEmpty("announcement")),
		),
		huh.NewGroup(
			huh.NewConfirm().Title("Send to everyone online?").Value(send),
		),
	)
}

func (m *announceModel) Finished() bool { return m.Done }

func (m *announceModel) SetSize(w, h int) {
	m.width, m.height = w, h
}

func (m *announceModel) Update(msg tea.Msg) tea.Cmd {
	if m.err != nil || m.result != "" {
		switch msg := msg.(type) {
		case tea.KeyMsg:
			if msg.String() == "esc" || msg.String() == "q" || msg.String() == "enter" {
				m.Done = true
			}
		}
		return nil
	}

	if k, ok := msg.(tea.KeyMsg); ok && k.String() == "esc" {
		m.Done = true
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

	if m.form.State == huh.StateCompleted {
		if !m.send {
			m.Done = true
			return nil
		}
		ctx, cancel := m.app.Context()
		defer cancel()
		res, err := m.app.Client.Announce(ctx, strings.TrimSpace(m.text))
		if err != nil {
			m.err = err
			return nil
		}
		m.result = fmt.Sprintf("Announcement %s delivered to %d sessions.", res.ID, res.Delivered)
		return nil
	}

	return cmd
}

func (m *announceModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("Announce error: %v\n\nPress Enter/Esc to go back.", m.err)
	}
	if m.result != "" {
		return okStyle.Render(m.result) + "\n\nPress Enter/Esc to go back."
	}
	return m.form.View() + "\n\n(esc to go back)"
}
