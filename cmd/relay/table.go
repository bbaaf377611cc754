// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/AleutianAI/AleutianRelay/services/relay/models"
)

// renderModels lays out one row per model file, grouped by directory.
// Empty directories get a single "(empty)" row.
func renderModels(summary models.Summary) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Directory", "File", "Size"})

	for _, dir := range summary.Dirs {
		if len(dir.Files) == 0 {
			tw.AppendRow(table.Row{dir.Name, "(empty)", ""})
			continue
		}
		for _, f := range dir.Files {
			tw.AppendRow(table.Row{dir.Name, f.Path, f.Size})
		}
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, AutoMerge: true},
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
