package main

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("39")
	mutedColor   = lipgloss.Color("245")
	accentColor  = lipgloss.Color("212")
	errorColor   = lipgloss.Color("196")

	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	nameStyle    = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
)
