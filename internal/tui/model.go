package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"nutrirag/internal/chat"
	"nutrirag/internal/domain"
	"nutrirag/internal/textutil"
)

// ChatPort is the TUI-facing subset of a chat session.
type ChatPort interface {
	Ask(ctx context.Context, input string) (chat.Reply, error)
}

type replyMsg struct {
	question string
	reply    chat.Reply
	err      error
}

type exchange struct {
	question string
	answer   string
	rewrite  string
}

// Model is the Bubble Tea model for the chat UI.
type Model struct {
	ctx        context.Context
	session    ChatPort
	input      textinput.Model
	viewport   viewport.Model
	transcript []exchange
	sources    []domain.RetrievalResult
	cursor     int
	title      string
	status     string
	busy       bool
	ready      bool
	lastQuery  string
}

// New creates a new TUI model bound to session.
func New(ctx context.Context, session ChatPort, title string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "输入问题后回车，quit 或 exit 退出"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{ctx: ctx, session: session, input: ti, viewport: vp, title: title, status: "知识库已加载。"}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) ask(q string) tea.Cmd {
	return func() tea.Msg {
		reply, err := m.session.Ask(m.ctx, q)
		return replyMsg{question: q, reply: reply, err: err}
	}
}

// Update handles key, window and reply events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header, status, input box, spacer
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-rh)
		m.refresh()
		return m, nil
	case replyMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "错误: " + msg.err.Error()
			m.refresh()
			return m, nil
		}
		if msg.reply.Quit {
			return m, tea.Quit
		}
		ex := exchange{question: msg.question, answer: msg.reply.Text}
		if msg.reply.Rewrite.Query != msg.question {
			ex.rewrite = msg.reply.Rewrite.Query
		}
		m.transcript = append(m.transcript, ex)
		m.sources = msg.reply.Sources()
		m.cursor = 0
		m.lastQuery = msg.reply.Rewrite.Query
		m.status = fmt.Sprintf("类型 %s，%d 条来源（↑/↓ 切换）", msg.reply.Rewrite.QueryType, len(m.sources))
		m.refresh()
		m.viewport.GotoBottom()
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.busy {
				return m, nil
			}
			if chat.IsQuit(q) {
				return m, tea.Quit
			}
			m.input.SetValue("")
			m.busy = true
			m.status = "思考中..."
			return m, m.ask(q)
		case "down":
			if len(m.sources) > 0 {
				m.cursor = (m.cursor + 1) % len(m.sources)
				m.refresh()
				return m, nil
			}
		case "up":
			if len(m.sources) > 0 {
				m.cursor = (m.cursor - 1 + len(m.sources)) % len(m.sources)
				m.refresh()
				return m, nil
			}
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the TUI layout.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render(m.title)
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	body := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + body + "\n" + input + "\n" + status
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.render())
}

func (m Model) render() string {
	if len(m.transcript) == 0 {
		return "还没有对话。"
	}
	var b strings.Builder
	for _, ex := range m.transcript {
		b.WriteString(userStyle.Render("你：" + ex.question))
		b.WriteString("\n")
		if ex.rewrite != "" {
			b.WriteString(dimStyle.Render("（改写为：" + ex.rewrite + "）"))
			b.WriteString("\n")
		}
		b.WriteString("助手：" + ex.answer + "\n\n")
	}
	if len(m.sources) > 0 {
		s := m.sources[m.cursor]
		title := fmt.Sprintf("来源 %d/%d  得分=%.3f", m.cursor+1, len(m.sources), s.Score())
		if s.RerankScore != nil {
			title += fmt.Sprintf("  相似度=%.3f", s.CoarseSimilarity)
		}
		b.WriteString(dimStyle.Render(title) + "\n")
		b.WriteString(highlightBestSentence(s.Chunk.Text, m.lastQuery))
		b.WriteString(dimStyle.Render("\n" + chat.Provenance(s.Chunk)))
	}
	return b.String()
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	sentenceRe     = regexp.MustCompile(`[^。！？!?]+[。！？!?]?`)
)

// highlightBestSentence emphasizes the sentence sharing the most tokens with query.
func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		sentences = []string{strings.TrimSpace(text)}
	}
	qTokens := textutil.TokenSet(query)
	if len(qTokens) == 0 {
		return strings.Join(sentences, "")
	}
	bestIdx := bestSentence(qTokens, sentences)
	for i := range sentences {
		sent := strings.TrimSpace(sentences[i])
		if i == bestIdx {
			sentences[i] = highlightStyle.Render(sent)
		} else {
			sentences[i] = sent
		}
	}
	return strings.Join(sentences, "")
}

func bestSentence(qTokens map[string]struct{}, sentences []string) int {
	bestIdx, bestScore := 0, -1
	for i, s := range sentences {
		score := 0
		for t := range textutil.TokenSet(s) {
			if _, ok := qTokens[t]; ok {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	return bestIdx
}
