package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/signintech/gopdf"

	"ayurvaid-agent/internal/consultation"
)

type TelegramClient interface {
	SendMessage(chatID int64, text string) error
	SendDocument(chatID int64, fileData []byte, fileName string) error
}

// Common DejaVu locations on Alpine and Debian images.
var defaultFontPaths = []string{
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
}

const (
	pageBottom = 780.0
	textWidth  = 500.0
)

type Service struct {
	tgClient     TelegramClient
	doctorChatID int64
	fontPaths    []string
}

// NewService returns a report service. tg may be nil when reports are only
// rendered for download. fontPath, if set, is tried before the defaults.
func NewService(tg TelegramClient, doctorChatID int64, fontPath string) *Service {
	paths := defaultFontPaths
	if fontPath != "" {
		paths = append([]string{fontPath}, defaultFontPaths...)
	}
	return &Service{
		tgClient:     tg,
		doctorChatID: doctorChatID,
		fontPaths:    paths,
	}
}

// RenderTranscript renders a conversation transcript as PDF.
func (s *Service) RenderTranscript(name string, turns []consultation.Turn) ([]byte, error) {
	return s.render(transcriptDocument(name, turns))
}

// SendDoctorReport renders the assessment and delivers it to the doctor chat.
func (s *Service) SendDoctorReport(ctx context.Context, a consultation.Assessment) error {
	if s.tgClient == nil || s.doctorChatID == 0 {
		return errors.New("doctor chat is not configured")
	}
	log.Printf("Generating PDF report for conversation %s...", a.ConversationID)
	pdf, err := s.render(assessmentDocument(a))
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fileName := fmt.Sprintf("report_%s.pdf", a.ConversationID)
	log.Printf("Sending PDF document to Telegram chat %d...", s.doctorChatID)
	if err := s.tgClient.SendDocument(s.doctorChatID, pdf, fileName); err != nil {
		return fmt.Errorf("send telegram document: %w", err)
	}
	return nil
}

func (s *Service) render(doc document) ([]byte, error) {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	var fontErr error
	fontLoaded := false
	for _, path := range s.fontPaths {
		if err := pdf.AddTTFFont("DejaVu", path); err == nil {
			fontLoaded = true
			break
		} else {
			fontErr = err
		}
	}
	if !fontLoaded {
		return nil, fmt.Errorf("failed to load font for PDF. Please ensure ttf-dejavu is installed. Last error: %w", fontErr)
	}

	w := &writer{pdf: &pdf}
	w.font(20)
	w.line(doc.Title, 30)

	w.font(12)
	for _, l := range doc.Subtitle {
		w.line(l, 15)
	}
	w.pdf.Br(10)

	for _, sec := range doc.Sections {
		w.font(14)
		w.line(sec.Title, 18)
		w.font(11)
		for _, l := range sec.Lines {
			w.wrapped(l)
		}
		w.pdf.Br(12)
	}
	if w.err != nil {
		return nil, w.err
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

// writer keeps the first gopdf error so layout code stays linear.
type writer struct {
	pdf *gopdf.GoPdf
	err error
}

func (w *writer) font(size int) {
	if w.err == nil {
		w.err = w.pdf.SetFont("DejaVu", "", size)
	}
}

func (w *writer) line(text string, advance float64) {
	if w.err != nil {
		return
	}
	if w.pdf.GetY() > pageBottom {
		w.pdf.AddPage()
	}
	if text != "" {
		w.err = w.pdf.Cell(nil, text)
	}
	w.pdf.Br(advance)
}

func (w *writer) wrapped(text string) {
	if w.err != nil {
		return
	}
	if text == "" {
		w.pdf.Br(12)
		return
	}
	lines, err := w.pdf.SplitText(text, textWidth)
	if err != nil {
		lines = []string{text}
	}
	for _, l := range lines {
		w.line(l, 14)
	}
}
