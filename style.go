package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	statusStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	inboundStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	labelStyle   = lipgloss.NewStyle().Faint(true)
)

func status(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, statusStyle.Render(fmt.Sprintf(format, args...)))
}

func message(w io.Writer, label string, msg []byte) {
	fmt.Fprintln(w, labelStyle.Render(label)+" "+inboundStyle.Render(string(msg)))
}

func failure(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf(format, args...)))
}
