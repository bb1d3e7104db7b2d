// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"text/template"
	"time"

	"github.com/vdobler/htrun/internal/latency"
	"github.com/vdobler/htrun/model"
	"github.com/vdobler/htrun/request"
	"github.com/xuri/excelize/v2"
)

// SaveJSON writes report as indented JSON to filename.
func SaveJSON(filename string, report *model.Report) error {
	data, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filename, data, 0666)
}

const (
	sheetName    = "Report"
	failColor    = "#FFC7CE"
	slowColor    = "#FFEB9C"
	fillPattern  = 1
	fillType     = "pattern"
	defaultWidth = 20
)

var excelHeaders = []string{
	"ID", "Case", "Name", "Code", "Status", "Time (ms)", "Method", "URL", "Message",
}

// DefaultSlow is the execution time above which a case is marked slow.
const DefaultSlow = 2 * time.Second

// SaveExcel writes report as a spreadsheet to filename. Failed cases are
// marked red, passing cases slower than slow yellow. A zero slow means
// DefaultSlow.
func SaveExcel(filename string, report *model.Report, slow time.Duration) error {
	if slow <= 0 {
		slow = DefaultSlow
	}
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return err
	}
	last, _ := excelize.ColumnNumberToName(len(excelHeaders))
	f.SetColWidth(sheetName, "A", last, defaultWidth)

	failStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: fillType, Pattern: fillPattern, Color: []string{failColor}},
	})
	if err != nil {
		return err
	}
	slowStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: fillType, Pattern: fillPattern, Color: []string{slowColor}},
	})
	if err != nil {
		return err
	}
	boldStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	f.SetSheetRow(sheetName, "A1", &excelHeaders)
	f.SetCellStyle(sheetName, "A1", last+"1", boldStyle)

	for i, tr := range report.Results {
		row := i + 2
		method, url := requestLine(tr)
		cells := []interface{}{
			tr.ID, tr.CaseID, tr.Name, tr.Code, tr.Status,
			millis(tr.ExecutionTime),
			method, url, tr.FirstMessage(),
		}
		first := fmt.Sprintf("A%d", row)
		f.SetSheetRow(sheetName, first, &cells)
		end := fmt.Sprintf("%s%d", last, row)
		switch {
		case !tr.Passed():
			f.SetCellStyle(sheetName, first, end, failStyle)
		case tr.ExecutionTime > slow:
			f.SetCellStyle(sheetName, first, end, slowStyle)
		}
	}

	row := len(report.Results) + 3
	summary := [][]interface{}{
		{"Summary"},
		{"Run", report.ID},
		{"Collection", report.CollectionID},
		{"Run time (ms)", millis(report.RunTime)},
		{"Total", report.Total},
		{"Success", report.Success},
		{"Failed", report.Failed},
		{"Cancelled", report.Cancelled},
	}
	if lat := latencyOf(report); lat.Count > 0 {
		summary = append(summary,
			[]interface{}{"Mean (ms)", millis(lat.Mean)},
			[]interface{}{"P50 (ms)", millis(lat.P50)},
			[]interface{}{"P90 (ms)", millis(lat.P90)},
			[]interface{}{"P99 (ms)", millis(lat.P99)},
			[]interface{}{"Max (ms)", millis(lat.Peak)},
		)
	}
	for i, line := range summary {
		line := line
		f.SetSheetRow(sheetName, fmt.Sprintf("A%d", row+i), &line)
	}
	f.SetCellStyle(sheetName, fmt.Sprintf("A%d", row), fmt.Sprintf("A%d", row), boldStyle)

	return f.SaveAs(filename)
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// latencyOf summarises the execution times of all cases which got a
// response.
func latencyOf(report *model.Report) latency.Summary {
	var ds []time.Duration
	for _, tr := range report.Results {
		if tr.Status != 0 {
			ds = append(ds, tr.ExecutionTime)
		}
	}
	return latency.Summarize(ds)
}

// requestLine extracts method and URL of the sent request if available.
func requestLine(tr *model.TestResult) (string, string) {
	desc, ok := tr.Params.(*request.Descriptor)
	if !ok || desc == nil {
		return "", ""
	}
	return desc.Method, desc.URL()
}

var reportTmpl = `{{printf "==== %s ====" (status .)}}
Run {{.ID}}{{if .CollectionID}} of collection {{.CollectionID}}{{end}}
{{range .Results}}{{template "RESULT" .}}{{end}}
Total {{.Total}}   Success {{.Success}}   Failed {{.Failed}}   Duration {{niceduration .RunTime}}
{{with latency .}}{{if .Count}}Latency mean {{niceduration .Mean}}   p50 {{niceduration .P50}}   p90 {{niceduration .P90}}   p99 {{niceduration .P99}}   max {{niceduration .Peak}}
{{end}}{{end}}`

var resultTmpl = `{{define "RESULT"}}{{printf "%-6s" (code .Code)}} {{.ID}}{{if .Name}} {{printf "%q" .Name}}{{end}} ({{niceduration .ExecutionTime}}){{if not .Passed}}
       {{.FirstMessage}}{{end}}
{{end}}`

// ReportTmpl is the template used by PrintText.
var ReportTmpl *template.Template

func init() {
	fm := template.FuncMap{
		"niceduration": roundDuration,
		"code":         codeName,
		"latency":      latencyOf,
		"status": func(r *model.Report) string {
			switch {
			case r.Cancelled:
				return "CANCELLED"
			case r.Failed > 0:
				return "FAIL"
			}
			return "PASS"
		},
	}
	ReportTmpl = template.Must(template.New("REPORT").Funcs(fm).Parse(reportTmpl))
	ReportTmpl = template.Must(ReportTmpl.Parse(resultTmpl))
}

func codeName(code int) string {
	switch code {
	case model.CodeOK:
		return "PASS"
	case model.CodeFail:
		return "FAIL"
	case model.CodeError:
		return "ERROR"
	case model.CodeCancelled:
		return "CANCEL"
	}
	return strings.ToUpper(fmt.Sprint(code))
}

// PrintText writes a short textual report to w.
func PrintText(w io.Writer, report *model.Report) error {
	return ReportTmpl.Execute(w, report)
}

// roundDuration d to approximately 3 significant digits.
func roundDuration(d time.Duration) time.Duration {
	round := func(d, to time.Duration) time.Duration {
		return to * ((d + to/2) / to)
	}
	for _, step := range []struct{ above, to time.Duration }{
		{time.Minute, time.Second},
		{10 * time.Second, 100 * time.Millisecond},
		{time.Second, 10 * time.Millisecond},
		{100 * time.Millisecond, time.Millisecond},
		{10 * time.Millisecond, 100 * time.Microsecond},
		{time.Millisecond, 10 * time.Microsecond},
		{100 * time.Microsecond, time.Microsecond},
	} {
		if d >= step.above {
			return round(d, step.to)
		}
	}
	return d
}
