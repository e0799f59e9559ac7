package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchTitle(t *testing.T) {
	tests := []struct {
		heading string
		want    string
		ok      bool
	}{
		{"Requirements Document - User Auth", "User Auth", true},
		{"Design: User Auth", "User Auth", true},
		{"Implementation Plan: Search", "Search", true},
		{"User Auth - Requirements", "User Auth", true},
		{"User Auth Design Document", "User Auth", true},
		{"Bug Report: Login fails", "Login fails", true},
		{"Bug: Crash on save", "Crash on save", true},
		{"Payment Retry", "Payment Retry", true},
		{"**Payment Retry**", "Payment Retry", true},
		{"Design", "", false},
		{"Implementation Plan", "", false},
		{"Bug Report", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.heading, func(t *testing.T) {
			got, ok := matchTitle(tt.heading)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFirstHeading(t *testing.T) {
	assert.Equal(t, "Real", firstHeading("```\n# not a heading\n```\n\n# Real\n"))
	assert.Equal(t, "Setext Title", firstHeading("Setext Title\n============\n\nbody\n"))
	assert.Equal(t, "Emphasized", firstHeading("## *Emphasized*\n"))
	assert.Equal(t, "", firstHeading("no headings at all\n"))
}

func TestTitleCase(t *testing.T) {
	assert.Equal(t, "User Auth Flow", titleCase("user-auth_flow"))
	assert.Equal(t, "V2 Api", titleCase("v2.api"))
	assert.Equal(t, "Alpha", titleCase("alpha"))
}

func TestDisplayNamePrecedence(t *testing.T) {
	docs := docSet{
		"requirements.md": {name: "requirements.md", body: "# Requirements\n"},
		"design.md":       {name: "design.md", body: "# Design - Checkout Flow\n"},
		"tasks.md":        {name: "tasks.md", body: "# Tasks - Other Name\n"},
	}
	assert.Equal(t, "Checkout Flow", displayName("checkout", docs, SpecDocuments))
}
