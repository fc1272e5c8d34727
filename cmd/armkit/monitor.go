package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/armkit/armkit/pkg/channel"
	"github.com/armkit/armkit/pkg/joint"
)

// monitorCmd is a broadcast observer: it binds the observation broadcast
// endpoint and charts the normalized joint positions live.
func monitorCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Live chart of the observation broadcast channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := channel.Listen(addr, nil)
			if err != nil {
				return err
			}
			defer src.Close()

			p := tea.NewProgram(initialMonitorModel(src), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":5558", "observation broadcast bind address")
	return cmd
}

const (
	monitorPoll  = 30 * time.Millisecond
	monHeader    = 2
	monLegend    = 2
	monBorder    = 2
	monMinWidth  = 40
	monMinHeight = 10
)

// motorColors gives each motor a distinct chart color.
var motorColors = [joint.NumMotors]string{"196", "208", "226", "46", "51", "99", "201"}

var (
	monTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	monChartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	monStatusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type obsMsg map[string]float64
type tickMsg struct{}

type monitorModel struct {
	src      *channel.Source
	chart    *streamlinechart.Model
	side     string
	latest   map[string]float64
	width    int
	height   int
	quitting bool
}

func initialMonitorModel(src *channel.Source) monitorModel {
	chart := streamlinechart.New(80, 20, streamlinechart.WithYRange(-100, 100))
	for i := 0; i < joint.NumMotors; i++ {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(motorColors[i]))
		chart.SetDataSetStyles(joint.Name(i), runes.ThinLineStyle, style)
	}
	return monitorModel{src: src, chart: &chart, side: "left"}
}

func pollObservations(src *channel.Source) tea.Cmd {
	return tea.Tick(monitorPoll, func(time.Time) tea.Msg {
		payload, _, ok := src.Latest()
		if !ok {
			return tickMsg{}
		}
		var flat map[string]float64
		if err := json.Unmarshal(payload, &flat); err != nil {
			return tickMsg{}
		}
		return obsMsg(flat)
	})
}

func (m monitorModel) Init() tea.Cmd {
	return pollObservations(m.src)
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "tab":
			if m.side == "left" {
				m.side = "right"
			} else {
				m.side = "left"
			}
			return m, nil
		}

	case obsMsg:
		m.latest = msg
		for i := 0; i < joint.NumMotors; i++ {
			key := m.side + "." + joint.Name(i) + ".pos"
			if v, ok := m.latest[key]; ok {
				m.chart.PushDataSet(joint.Name(i), v)
			}
		}
		m.chart.DrawAll()
		return m, pollObservations(m.src)

	case tickMsg:
		return m, pollObservations(m.src)
	}
	return m, nil
}

func (m *monitorModel) resizeChart() {
	w := m.width - monBorder - 2
	if w < monMinWidth {
		w = monMinWidth
	}
	h := m.height - monHeader - monLegend - monBorder
	if h < monMinHeight {
		h = monMinHeight
	}
	m.chart.Resize(w, h)
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Monitor stopped.\n"
	}

	var sb strings.Builder
	sb.WriteString(monTitleStyle.Render("armkit monitor"))
	sb.WriteString(fmt.Sprintf(" - %s arm", m.side))
	sb.WriteString(monStatusStyle.Render("  (tab: switch arm, q: quit)"))
	sb.WriteString("\n\n")

	sb.WriteString(monChartStyle.Render(m.chart.View()))
	sb.WriteString("\n")
	sb.WriteString(renderMonitorLegend())
	sb.WriteString("\n")
	sb.WriteString(m.renderLatest())
	sb.WriteString("\n")
	return sb.String()
}

// renderLatest prints the newest normalized position per motor.
func (m monitorModel) renderLatest() string {
	var items []string
	for i := 0; i < joint.NumMotors; i++ {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(motorColors[i]))
		v, ok := m.latest[m.side+"."+joint.Name(i)+".pos"]
		if !ok {
			items = append(items, style.Render(fmt.Sprintf("%s: --", joint.Name(i))))
			continue
		}
		items = append(items, style.Render(fmt.Sprintf("%s: %+7.2f", joint.Name(i), v)))
	}
	return strings.Join(items, "  ")
}

func renderMonitorLegend() string {
	var items []string
	for i := 0; i < joint.NumMotors; i++ {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(motorColors[i])).Bold(true)
		items = append(items, style.Render("━━")+" "+joint.Name(i))
	}
	return strings.Join(items, "  ")
}
