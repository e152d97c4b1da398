package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"docqa/internal/models"
)

// Extractor turns a source document into plain text.
type Extractor interface {
	Extract(name string, data []byte) (string, error)
	ExtractFile(path string) (string, error)
}

// FileExtractor picks the format by file extension.
type FileExtractor struct{}

var _ Extractor = FileExtractor{}

var slideNameRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// Extract returns the plain text of data, which is named name.
func (FileExtractor) Extract(name string, data []byte) (string, error) {
	return Extract(name, data)
}

func (FileExtractor) ExtractFile(path string) (string, error) {
	return ExtractFile(path)
}

// ExtractFile reads path and extracts its text. The file is closed on every
// return path.
func ExtractFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", models.ErrExtraction, path, err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		stat, err := f.Stat()
		if err != nil {
			return "", fmt.Errorf("%w: stat %s: %w", models.ErrExtraction, path, err)
		}
		return nonEmpty(path)(ExtractPDF(f, stat.Size()))
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %w", models.ErrExtraction, path, err)
	}
	return Extract(path, data)
}

// Extract dispatches on the extension of name.
func Extract(name string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	check := nonEmpty(name)

	switch ext {
	case ".pdf":
		return check(ExtractPDF(bytes.NewReader(data), int64(len(data))))
	case ".docx":
		return check(parseDOCX(data))
	case ".pptx":
		return check(parsePPTX(data))
	case ".xlsx":
		return check(parseXLSX(data))
	case ".xlsm", ".xltx", ".xltm":
		return check(parseWorkbook(data))
	case ".ods":
		return check(parseODS(data))
	case ".md", ".markdown":
		return check(parseMarkdown(data))
	case ".txt", "":
		return check(string(data), nil)
	default:
		return "", fmt.Errorf("%w: unsupported file format %q", models.ErrExtraction, ext)
	}
}

func nonEmpty(name string) func(string, error) (string, error) {
	return func(s string, err error) (string, error) {
		if err != nil {
			return "", err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", fmt.Errorf("%w: no text in %s", models.ErrExtraction, name)
		}
		log.Debug().Str("source", name).Int("chars", len(s)).Msg("Extracted text")
		return s, nil
	}
}

// ExtractPDF concatenates the text of every page in page order, one page per
// line. Reader panics on malformed input are reported as ErrExtraction.
func ExtractPDF(r io.ReaderAt, size int64) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = ""
			err = fmt.Errorf("%w: malformed pdf: %v", models.ErrExtraction, rec)
		}
	}()

	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return "", fmt.Errorf("%w: open pdf: %w", models.ErrExtraction, err)
	}

	var b strings.Builder
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("%w: page %d: %w", models.ErrExtraction, i, err)
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(pageText)
	}
	return b.String(), nil
}

func parseDOCX(data []byte) (string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open docx: %w", models.ErrExtraction, err)
	}
	defer r.Close()

	return extractTextFromXML(strings.NewReader(r.Editable().GetContent()), "t", "p")
}

func parsePPTX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open pptx: %w", models.ErrExtraction, err)
	}

	type slide struct {
		num  int
		file *zip.File
	}
	var slides []slide
	for _, file := range zr.File {
		m := slideNameRe.FindStringSubmatch(file.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{num: n, file: file})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	var b strings.Builder
	for _, s := range slides {
		slideText, err := readZipXML(s.file, "t", "p")
		if err != nil {
			return "", err
		}
		b.WriteString(slideText)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func parseODS(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open ods: %w", models.ErrExtraction, err)
	}
	for _, file := range zr.File {
		if file.Name == "content.xml" {
			return readZipXML(file, "p", "p")
		}
	}
	return "", fmt.Errorf("%w: ods has no content.xml", models.ErrExtraction)
}

func readZipXML(file *zip.File, textElem, paraElem string) (string, error) {
	rc, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", models.ErrExtraction, file.Name, err)
	}
	defer rc.Close()
	return extractTextFromXML(rc, textElem, paraElem)
}

func parseXLSX(data []byte) (string, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return "", fmt.Errorf("%w: open xlsx: %w", models.ErrExtraction, err)
	}

	var b strings.Builder
	for _, sheet := range f.Sheets {
		fmt.Fprintf(&b, "## Sheet: %s\n", sheet.Name)
		for _, row := range sheet.Rows {
			cells := make([]string, len(row.Cells))
			for i, cell := range row.Cells {
				cells[i] = cell.String()
			}
			b.WriteString(strings.Join(cells, "\t"))
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

// parseWorkbook reads macro-enabled workbooks and templates through excelize.
func parseWorkbook(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: open spreadsheet: %w", models.ErrExtraction, err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return "", fmt.Errorf("%w: sheet %s: %w", models.ErrExtraction, sheetName, err)
		}
		fmt.Fprintf(&b, "## Sheet: %s\n", sheetName)
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

// parseMarkdown renders markdown to its visible text, one block per line.
func parseMarkdown(src []byte) (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument && !strings.HasSuffix(b.String(), "\n") {
				b.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteString(" ")
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: markdown: %w", models.ErrExtraction, err)
	}
	return b.String(), nil
}

// extractTextFromXML collects character data inside textElem elements and
// ends a line after each paraElem. Namespaces are ignored.
func extractTextFromXML(r io.Reader, textElem, paraElem string) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	depth := 0

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: xml: %w", models.ErrExtraction, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == textElem {
				depth++
			}
		case xml.EndElement:
			if t.Name.Local == textElem && depth > 0 {
				depth--
			}
			if t.Name.Local == paraElem {
				b.WriteString("\n")
			}
		case xml.CharData:
			if depth > 0 {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}
