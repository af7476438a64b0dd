package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

const (
	exportFormatCSV     = "csv"
	exportFormatPDF     = "pdf"
	exportFormatGeoJSON = "geojson"

	pdfTopDepartments = 10
	pdfTitleMaxRunes  = 48
)

var exportFormats = []string{exportFormatCSV, exportFormatPDF, exportFormatGeoJSON}

func optionalText(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func optionalInt(value *int) string {
	if value == nil {
		return ""
	}
	return strconv.Itoa(*value)
}

func reportDepartmentName(report Report) string {
	if report.DepartmentName == nil || *report.DepartmentName == "" {
		return "Unassigned"
	}
	return *report.DepartmentName
}

func buildCSV(reports []Report) ([]byte, error) {
	buffer := bytes.NewBuffer(nil)
	writer := csv.NewWriter(buffer)
	headers := []string{
		"report_id", "created_at", "updated_at", "status", "priority", "urgency_score", "category",
		"department", "title", "description", "address", "lat", "lng", "assigned_to",
		"resolution_comment", "routing_source", "image_urls", "audio_url",
	}
	if err := writer.Write(headers); err != nil {
		return nil, err
	}
	for _, report := range reports {
		lat, lng := "", ""
		if report.Location != nil {
			lat = strconv.FormatFloat(report.Location.Lat, 'f', 6, 64)
			lng = strconv.FormatFloat(report.Location.Lng, 'f', 6, 64)
		}
		row := []string{
			strconv.Itoa(report.ID),
			report.CreatedAt,
			report.UpdatedAt,
			string(report.Status),
			report.Priority,
			strconv.Itoa(report.UrgencyScore),
			report.Category,
			reportDepartmentName(report),
			report.Title,
			report.Description,
			optionalText(report.Address),
			lat,
			lng,
			optionalInt(report.AssignedTo),
			optionalText(report.ResolutionComment),
			report.RoutingSource,
			strings.Join(report.ImageURLs, "|"),
			optionalText(report.AudioURL),
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// buildGeoJSON exports located reports as a FeatureCollection for GIS tools.
// Reports without coordinates are skipped.
func buildGeoJSON(reports []Report) ([]byte, error) {
	features := make([]map[string]any, 0, len(reports))
	for _, report := range reports {
		if report.Location == nil {
			continue
		}
		features = append(features, map[string]any{
			"type": "Feature",
			"geometry": map[string]any{
				"type":        "Point",
				"coordinates": []float64{report.Location.Lng, report.Location.Lat},
			},
			"properties": map[string]any{
				"report_id":  report.ID,
				"title":      report.Title,
				"category":   report.Category,
				"status":     report.Status,
				"priority":   report.Priority,
				"department": reportDepartmentName(report),
				"created_at": report.CreatedAt,
			},
		})
	}
	return json.MarshalIndent(map[string]any{"type": "FeatureCollection", "features": features}, "", "  ")
}

func truncateRunes(value string, max int) string {
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max-3]) + "..."
}

type labelCount struct {
	Label string
	Count int
}

func sortedCounts(counts map[string]int) []labelCount {
	out := make([]labelCount, 0, len(counts))
	for label, count := range counts {
		out = append(out, labelCount{Label: label, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

func buildPDF(reports []Report, title string, generatedAt time.Time) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 16)
	pdf.Cell(0, 10, tr(title))
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 8, fmt.Sprintf("Generated: %s", generatedAt.UTC().Format("2006-01-02 15:04 MST")))
	pdf.Ln(7)
	pdf.Cell(0, 8, fmt.Sprintf("Total reports: %d", len(reports)))
	pdf.Ln(10)

	statusCounts := map[string]int{}
	departmentCounts := map[string]int{}
	for _, report := range reports {
		statusCounts[statusLabel(report.Status)]++
		departmentCounts[reportDepartmentName(report)]++
	}

	pdf.SetFont("Helvetica", "B", 11)
	pdf.Cell(0, 8, "Status distribution")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 10)
	for _, entry := range sortedCounts(statusCounts) {
		pdf.Cell(0, 6, fmt.Sprintf("- %s: %d", entry.Label, entry.Count))
		pdf.Ln(6)
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.Cell(0, 8, "Top departments")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 10)
	departments := sortedCounts(departmentCounts)
	if len(departments) > pdfTopDepartments {
		departments = departments[:pdfTopDepartments]
	}
	for _, entry := range departments {
		pdf.Cell(0, 6, tr(fmt.Sprintf("- %s: %d", entry.Label, entry.Count)))
		pdf.Ln(6)
	}

	if len(reports) > 0 {
		pdf.Ln(4)
		widths := []float64{12, 24, 24, 18, 40, 72}
		pdf.SetFont("Helvetica", "B", 9)
		for i, header := range []string{"ID", "Created", "Status", "Priority", "Department", "Title"} {
			pdf.CellFormat(widths[i], 7, header, "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Helvetica", "", 8)
		for _, report := range reports {
			created := report.CreatedAt
			if len(created) >= 10 {
				created = created[:10]
			}
			cells := []string{
				strconv.Itoa(report.ID),
				created,
				statusLabel(report.Status),
				report.Priority,
				truncateRunes(reportDepartmentName(report), 24),
				truncateRunes(report.Title, pdfTitleMaxRunes),
			}
			for i, cell := range cells {
				pdf.CellFormat(widths[i], 6, tr(cell), "1", 0, "L", false, 0, "")
			}
			pdf.Ln(-1)
		}
	}

	buffer := bytes.NewBuffer(nil)
	if err := pdf.Output(buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
