package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/allibrary/allib"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// dashboardTickMsg requests a fresh snapshot from the node.
type dashboardTickMsg time.Time

// dashboardModel is the bubbletea model backing the status dashboard. It
// holds only display state; the node remains the single owner of overlay
// state, reached each tick through its blocking façade methods.
type dashboardModel struct {
	node *allib.Node

	onionAddr string
	peers     []string
	metrics   []allib.MetricsSnapshot
	lastErr   error
}

func newDashboardModel(node *allib.Node) dashboardModel {
	return dashboardModel{node: node}
}

func (m dashboardModel) Init() tea.Cmd {
	return dashboardTick()
}

func dashboardTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return dashboardTickMsg(t)
	})
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}

	case dashboardTickMsg:
		addr, err := m.node.GetMyOnionAddress()
		m.onionAddr = addr
		m.lastErr = err
		m.peers = m.node.GetNetworkPeers()
		m.metrics = m.node.GetMetrics()
		return m, dashboardTick()
	}
	return m, nil
}

func (m dashboardModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("allib node") + "\n\n")

	b.WriteString(labelStyle.Render("onion address: "))
	if m.lastErr != nil {
		b.WriteString(errorStyle.Render(m.lastErr.Error()) + "\n")
	} else {
		b.WriteString(valueStyle.Render(m.onionAddr) + "\n")
	}

	b.WriteString(labelStyle.Render(fmt.Sprintf("peers connected: %d\n", len(m.peers))))
	for _, p := range m.peers {
		b.WriteString("  " + valueStyle.Render(p) + "\n")
	}

	b.WriteString(labelStyle.Render(fmt.Sprintf("\ntransfers: %d\n", len(m.metrics))))
	for _, e := range m.metrics {
		b.WriteString(fmt.Sprintf("  %s  %d/%d bytes  %.1f B/s  %s\n",
			e.Hash, e.Downloaded, e.Size, e.RateBps, e.Status))
	}

	b.WriteString("\n" + helpStyle.Render("q: quit"))
	return b.String()
}
