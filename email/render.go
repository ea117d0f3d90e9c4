package email

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

var (
	separatorLine = regexp.MustCompile(`^&{2,}$`)
	prelimHeader  = regexp.MustCompile(`(?i)^\s*\.PRELIMINARY POINT TEMPS/POPS`)
	prelimRow     = regexp.MustCompile(`(?i)^\s*([A-Z0-9][A-Z0-9 ./'()\-]*?)\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s*/\s*(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s*$`)
	spaceRun      = regexp.MustCompile(` {2,}`)
)

// RenderOptions adds optional links to the rendered bulletin.
type RenderOptions struct {
	UnsubscribeURL string
	SourceURL      string
}

type pointRow struct {
	name  string
	temps [4]string
	pops  [4]string
}

// RenderHTML turns canonical bulletin text into an HTML email body. Every line
// keeps its spacing, section headers (lines starting with ".") are emphasized
// and set off by a divider, "&&" lines become dividers, and the preliminary
// point temps/pops block becomes a table.
func RenderHTML(text string, opts RenderOptions) string {
	lines := strings.Split(strings.TrimRight(strings.ReplaceAll(text, "\t", "        "), "\n"), "\n")

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("</head>\n")
	b.WriteString("<body style=\"margin:0; padding:0; background:#111111;\">\n")
	b.WriteString("<div style=\"background:#111111; color:#e6e6e6; font-family:'Courier New', Courier, monospace; font-size:16px; line-height:1.5; padding:16px; max-width:900px; margin:0 auto;\">\n")

	prevSeparator := false
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		header := strings.HasPrefix(trimmed, ".")
		separator := separatorLine.MatchString(trimmed)

		if (header || separator) && i > 0 && !prevSeparator {
			b.WriteString("<div style=\"border-top:1px solid #444444; margin:12px 0;\"></div>\n")
			prevSeparator = true
		}
		if separator {
			continue
		}

		if prelimHeader.MatchString(line) {
			writeLine(&b, line, true)
			rows, next := pointRows(lines, i+1)
			if len(rows) > 0 {
				writePointTable(&b, rows)
				i = next - 1
			}
			prevSeparator = false
			continue
		}

		writeLine(&b, line, header)
		prevSeparator = false
	}

	if opts.UnsubscribeURL != "" || opts.SourceURL != "" {
		b.WriteString("<div style=\"border-top:1px solid #444444; margin-top:24px; padding-top:12px; font-size:13px; color:#999999;\">\n")
		if opts.SourceURL != "" {
			b.WriteString(fmt.Sprintf("<a href=\"%s\" style=\"color:#999999;\">Source</a>\n", html.EscapeString(opts.SourceURL)))
		}
		if opts.UnsubscribeURL != "" {
			b.WriteString(fmt.Sprintf("<a href=\"%s\" style=\"color:#999999; margin-left:12px;\">Unsubscribe</a>\n", html.EscapeString(opts.UnsubscribeURL)))
		}
		b.WriteString("</div>\n")
	}

	b.WriteString("</div>\n</body>\n</html>\n")
	return b.String()
}

func writeLine(b *strings.Builder, line string, header bool) {
	if strings.TrimSpace(line) == "" {
		b.WriteString("<div>&nbsp;</div>\n")
		return
	}
	if header {
		b.WriteString("<div style=\"font-weight:bold; color:#ffffff;\">")
	} else {
		b.WriteString("<div>")
	}
	b.WriteString(preserveSpaces(line))
	b.WriteString("</div>\n")
}

// preserveSpaces escapes line and keeps runs of spaces visible in HTML.
func preserveSpaces(line string) string {
	return spaceRun.ReplaceAllStringFunc(html.EscapeString(line), func(run string) string {
		s := strings.Repeat("&nbsp; ", len(run)/2)
		if len(run)%2 == 1 {
			s += "&nbsp;"
		}
		return s
	})
}

// pointRows parses table rows starting at lines[start]. It stops at a blank
// line, a header, a separator or the first row that does not parse, and
// returns the index of that line.
func pointRows(lines []string, start int) ([]pointRow, int) {
	var rows []pointRow
	i := start
	for ; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" || strings.HasPrefix(trimmed, ".") || separatorLine.MatchString(trimmed) {
			break
		}
		m := prelimRow.FindStringSubmatch(lines[i])
		if m == nil {
			break
		}
		rows = append(rows, pointRow{
			name:  strings.TrimSpace(m[1]),
			temps: [4]string{m[2], m[3], m[4], m[5]},
			pops:  [4]string{m[6], m[7], m[8], m[9]},
		})
	}
	return rows, i
}

func writePointTable(b *strings.Builder, rows []pointRow) {
	const cell = "padding:2px 8px; text-align:right; border-bottom:1px solid #333333;"
	b.WriteString("<table style=\"border-collapse:collapse; margin:8px 0; font-family:inherit; font-size:inherit; color:inherit;\">\n")
	b.WriteString("<thead><tr>")
	b.WriteString("<th style=\"padding:2px 8px; text-align:left;\">Location</th>")
	b.WriteString("<th colspan=\"4\" style=\"padding:2px 8px;\">Temps</th>")
	b.WriteString("<th colspan=\"4\" style=\"padding:2px 8px;\">PoPs</th>")
	b.WriteString("</tr></thead>\n<tbody>\n")
	for _, r := range rows {
		b.WriteString("<tr>")
		b.WriteString(fmt.Sprintf("<td style=\"padding:2px 8px; text-align:left; border-bottom:1px solid #333333;\">%s</td>", html.EscapeString(r.name)))
		for _, v := range r.temps {
			b.WriteString(fmt.Sprintf("<td style=\"%s\">%s</td>", cell, v))
		}
		for _, v := range r.pops {
			b.WriteString(fmt.Sprintf("<td style=\"%s\">%s</td>", cell, v))
		}
		b.WriteString("</tr>\n")
	}
	b.WriteString("</tbody>\n</table>\n")
}
