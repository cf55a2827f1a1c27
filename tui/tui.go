// Package tui is the terminal view of a shared document: a login prompt
// followed by an editor and the list of participants.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/burntcarrot/padsync/presence"
)

// Source supplies the shared document as last merged.
type Source interface {
	Content() string
	Users() []presence.User
}

// Edit is a local change to the document, in runes.
type Edit struct {
	Index    int
	Deleted  int
	Inserted string
}

// Cursor returns the caret position right after the edit.
func (e Edit) Cursor() int {
	return e.Index + len([]rune(e.Inserted))
}

// Diff returns the single edit turning before into after.
func Diff(before, after string) (Edit, bool) {
	if before == after {
		return Edit{}, false
	}
	b, a := []rune(before), []rune(after)

	prefix := 0
	for prefix < len(b) && prefix < len(a) && b[prefix] == a[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(b)-prefix && suffix < len(a)-prefix && b[len(b)-1-suffix] == a[len(a)-1-suffix] {
		suffix++
	}

	return Edit{
		Index:    prefix,
		Deleted:  len(b) - prefix - suffix,
		Inserted: string(a[prefix : len(a)-suffix]),
	}, true
}

type (
	// RefreshMsg asks the view to redraw from its Source.
	RefreshMsg struct{}

	// StatusMsg replaces the status line.
	StatusMsg string

	// QuitMsg ends the program, showing Reason.
	QuitMsg struct{ Reason string }
)

// Options configure a Model.
type Options struct {
	Document string

	// Name skips the login prompt when set.
	Name string

	Source  Source
	OnLogin func(name string)
	OnEdit  func(Edit)
}

type Model struct {
	opts Options

	login    textinput.Model
	editor   textarea.Model
	name     string
	content  string
	users    []presence.User
	status   string
	quitting bool
	reason   string
}

func New(opts Options) Model {
	ti := textinput.New()
	ti.Placeholder = "Username"
	ti.Focus()
	ti.CharLimit = 156
	ti.Width = 20

	ta := textarea.New()
	ta.Placeholder = "Write some text here..."
	ta.CharLimit = 0
	ta.ShowLineNumbers = false

	m := Model{opts: opts, login: ti, editor: ta, name: opts.Name}
	if m.name != "" {
		m.editor.Focus()
	}
	return m
}

// Name returns the name the user logged in with.
func (m Model) Name() string {
	return m.name
}

func (m Model) Init() tea.Cmd {
	if m.name != "" {
		name := m.name
		return func() tea.Msg {
			if m.opts.OnLogin != nil {
				m.opts.OnLogin(name)
			}
			return nil
		}
	}
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			if m.name == "" {
				name := strings.TrimSpace(m.login.Value())
				if name == "" {
					return m, nil
				}
				m.name = name
				m.editor.Focus()
				if m.opts.OnLogin != nil {
					m.opts.OnLogin(name)
				}
				return m, nil
			}
		}

	case tea.WindowSizeMsg:
		m.editor.SetWidth(msg.Width)
		m.editor.SetHeight(max(msg.Height-6, 3))

	case RefreshMsg:
		m.refresh()
		return m, nil

	case StatusMsg:
		m.status = string(msg)
		return m, nil

	case QuitMsg:
		m.quitting = true
		m.reason = msg.Reason
		return m, tea.Quit
	}

	if m.name == "" {
		m.login, cmd = m.login.Update(msg)
		return m, cmd
	}

	m.editor, cmd = m.editor.Update(msg)
	if value := m.editor.Value(); value != m.content {
		edit, _ := Diff(m.content, value)
		m.content = value
		if m.opts.OnEdit != nil {
			m.opts.OnEdit(edit)
		}
	}
	return m, cmd
}

// refresh loads the merged document. Local edits are applied to the Source
// synchronously in Update, so it never lags behind the editor.
func (m *Model) refresh() {
	if m.opts.Source == nil {
		return
	}
	m.users = m.opts.Source.Users()
	content := m.opts.Source.Content()
	if content != m.content {
		m.content = content
		m.editor.SetValue(content)
	}
}

func loginView(m Model) string {
	return fmt.Sprintf(
		"Enter username:\n\n%s\n\n%s",
		m.login.View(),
		"(esc to quit)",
	) + "\n"
}

func usersView(users []presence.User) string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		name := u.DisplayName
		if u.Active {
			name += "*"
		}
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}

func editorView(m Model) string {
	return fmt.Sprintf(
		"%s @ %s | %s\n\n%s\n\n%s | %s",
		m.name,
		m.opts.Document,
		usersView(m.users),
		m.editor.View(),
		m.status,
		"(ctrl+c to quit)",
	) + "\n\n"
}

func (m Model) View() string {
	if m.quitting {
		if m.reason != "" {
			return "\n  " + m.reason + "\n\n"
		}
		return "\n  See you later!\n\n"
	}
	if m.name == "" {
		return loginView(m)
	}
	return editorView(m)
}
