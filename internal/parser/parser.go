package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/unidoc/unioffice/document"
	"github.com/unidoc/unioffice/spreadsheet"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"
)

// FileParser 文件解析器接口
type FileParser interface {
	Parse(reader io.Reader, filename string) (string, error)
	Supports(filename string) bool
}

// TextParser 文本文件解析器
type TextParser struct{}

func (p *TextParser) Supports(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".txt" || ext == ".md" || ext == ".markdown" || ext == ".json" || ext == ""
}

func (p *TextParser) Parse(reader io.Reader, filename string) (string, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("读取文件失败: %w", err)
	}
	return string(content), nil
}

// PDFParser PDF文件解析器
type PDFParser struct{}

func (p *PDFParser) Supports(filename string) bool {
	return strings.ToLower(filepath.Ext(filename)) == ".pdf"
}

func (p *PDFParser) Parse(reader io.Reader, filename string) (string, error) {
	pdfBytes, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("读取PDF文件失败: %w", err)
	}

	pdfReader, err := model.NewPdfReader(bytes.NewReader(pdfBytes))
	if err != nil {
		return "", fmt.Errorf("解析PDF失败: %w", err)
	}

	var textBuilder strings.Builder
	numPages, err := pdfReader.GetNumPages()
	if err != nil {
		return "", fmt.Errorf("获取PDF页数失败: %w", err)
	}

	for i := 1; i <= numPages; i++ {
		page, err := pdfReader.GetPage(i)
		if err != nil {
			continue
		}
		ex, err := extractor.New(page)
		if err != nil {
			continue
		}
		text, err := ex.ExtractText()
		if err != nil {
			continue
		}
		textBuilder.WriteString(text)
		textBuilder.WriteString("\n")
	}

	return textBuilder.String(), nil
}

// WordParser Word文档解析器
type WordParser struct{}

func (p *WordParser) Supports(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".docx" || ext == ".doc"
}

func (p *WordParser) Parse(reader io.Reader, filename string) (string, error) {
	docBytes, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("读取Word文件失败: %w", err)
	}

	// 仅支持.docx格式
	if strings.ToLower(filepath.Ext(filename)) == ".doc" {
		return "", fmt.Errorf("暂不支持.doc格式，请使用.docx格式")
	}

	readerAt := bytes.NewReader(docBytes)
	doc, err := document.Read(readerAt, int64(len(docBytes)))
	if err != nil {
		return "", fmt.Errorf("解析Word文档失败: %w", err)
	}
	defer doc.Close()

	var textBuilder strings.Builder
	for _, para := range doc.Paragraphs() {
		for _, run := range para.Runs() {
			textBuilder.WriteString(run.Text())
		}
		textBuilder.WriteString("\n")
	}

	return textBuilder.String(), nil
}

// ExcelParser Excel文件解析器
type ExcelParser struct{}

func (p *ExcelParser) Supports(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".xlsx" || ext == ".xls"
}

func (p *ExcelParser) Parse(reader io.Reader, filename string) (string, error) {
	excelBytes, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("读取Excel文件失败: %w", err)
	}

	// 仅支持.xlsx格式
	if strings.ToLower(filepath.Ext(filename)) == ".xls" {
		return "", fmt.Errorf("暂不支持.xls格式，请使用.xlsx格式")
	}

	readerAt := bytes.NewReader(excelBytes)
	ss, err := spreadsheet.Read(readerAt, int64(len(excelBytes)))
	if err != nil {
		return "", fmt.Errorf("解析Excel文档失败: %w", err)
	}
	defer ss.Close()

	var textBuilder strings.Builder
	for _, sheet := range ss.Sheets() {
		for _, row := range sheet.Rows() {
			var rowText []string
			for _, cell := range row.Cells() {
				rowText = append(rowText, cell.GetString())
			}
			if len(rowText) > 0 {
				textBuilder.WriteString(strings.Join(rowText, "\t"))
				textBuilder.WriteString("\n")
			}
		}
		textBuilder.WriteString("\n")
	}

	return textBuilder.String(), nil
}

// Manager 文件解析器管理器
type Manager struct {
	parsers []FileParser
}

// NewManager 创建文件解析器管理器
func NewManager() *Manager {
	return &Manager{
		parsers: []FileParser{
			&PDFParser{},
			&WordParser{},
			&ExcelParser{},
			&TextParser{},
		},
	}
}

// ParseFile 解析文件，返回纯文本内容
func (m *Manager) ParseFile(reader io.Reader, filename string) (string, error) {
	for _, p := range m.parsers {
		if p.Supports(filename) {
			return p.Parse(reader, filename)
		}
	}
	return "", fmt.Errorf("不支持的文件格式: %s", filename)
}

// structuredPayload 结构化消息载荷
type structuredPayload struct {
	Messages []struct {
		Content string `json:"content"`
	} `json:"messages"`
	Text string `json:"text"`
}

// ExtractTextUnits 从文件内容中提取待向量化的文本单元。
// JSON文件按messages数组或text字段拆分；解析失败或其他类型按整段纯文本处理。
func (m *Manager) ExtractTextUnits(filename, content string) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	var units []string
	if ext == ".json" {
		var payload structuredPayload
		if err := json.Unmarshal([]byte(content), &payload); err == nil {
			if len(payload.Messages) > 0 {
				for _, msg := range payload.Messages {
					if msg.Content != "" {
						units = append(units, msg.Content)
					}
				}
			} else if payload.Text != "" {
				units = []string{payload.Text}
			}
		} else {
			// JSON解析失败按纯文本处理
			units = []string{content}
		}
	} else {
		units = []string{content}
	}

	// 去掉空白单元
	filtered := units[:0]
	for _, u := range units {
		if strings.TrimSpace(u) != "" {
			filtered = append(filtered, u)
		}
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("文件中没有可提取的文本: %s", filename)
	}
	return filtered, nil
}
