package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/postalsys/gatelink/internal/certutil"
	"github.com/postalsys/gatelink/internal/discovery"
	"github.com/postalsys/gatelink/internal/endpoint"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// field prints one aligned "label: value" line.
func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-14s", label+":")), value)
}

// renderEndpoints renders the merged endpoint list as a table.
func renderEndpoints(eps []endpoint.Endpoint) string {
	rows := make([][]string, 0, len(eps))
	for _, ep := range eps {
		rows = append(rows, []string{
			ep.Name,
			ep.Address(),
			portOrDash(ep.GatewayPort),
			tlsColumn(ep),
			ep.StableID,
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(labelStyle).
		Headers("NAME", "ADDRESS", "GATEWAY", "TLS", "STABLE ID").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

// renderState prints the status line, the wide-area summary and the table.
func renderState(w io.Writer, st discovery.State, wideDomain string) {
	fmt.Fprintln(w, titleStyle.Render(st.Status))
	if wideDomain != "" {
		field(w, "Wide-area", wideDomain)
		if st.Wide.Landed() {
			field(w, "Last scan", humanize.Time(st.Wide.At))
		}
		if st.Wide.Err != nil {
			field(w, "Last error", errorStyle.Render(st.Wide.Err.Error()))
		}
	}
	if len(st.Endpoints) == 0 {
		fmt.Fprintln(w, labelStyle.Render("No gateways found."))
		return
	}
	fmt.Fprintln(w, renderEndpoints(st.Endpoints))
}

func portOrDash(p int) string {
	if p <= 0 {
		return "-"
	}
	return strconv.Itoa(p)
}

func tlsColumn(ep endpoint.Endpoint) string {
	if !ep.TLSEnabled {
		return "off"
	}
	if ep.TLSFingerprintSHA256 == "" {
		return "on"
	}
	fp := certutil.FormatFingerprint(ep.TLSFingerprintSHA256)
	if len(fp) > 11 {
		fp = fp[:11] + "…"
	}
	return fp
}

// expiryText describes an expiry relative to now.
func expiryText(exp, now time.Time) string {
	if !exp.After(now) {
		return errorStyle.Render("expired " + humanize.RelTime(exp, now, "ago", "from now"))
	}
	return successStyle.Render("expires " + humanize.RelTime(exp, now, "ago", "from now"))
}
