// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/vqgan/pkg/history"
)

// ListLosses recorded in the history, one row per recorded batch.
func ListLosses(h *history.History) {
	fmt.Println(titleStyle.Render("Losses"))
	table := newPlainTable(lipgloss.Right)
	table.Headers("Global Step", "Epoch", "Batch", "VQ Loss", "Discriminator Loss")
	for _, row := range lossesRows(h) {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}

func lossesRows(h *history.History) [][]string {
	rows := make([][]string, 0, h.Len())
	for _, p := range h.Points() {
		rows = append(rows, []string{
			humanize.Comma(p.GlobalStep),
			fmt.Sprintf("%d", p.Epoch+1),
			fmt.Sprintf("%d", p.Batch),
			fmt.Sprintf("%.4f", p.VQLoss),
			fmt.Sprintf("%.4f", p.DiscLoss),
		})
	}
	return rows
}
