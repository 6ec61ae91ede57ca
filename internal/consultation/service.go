package consultation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"ayurvaid-agent/internal/agent"
	"ayurvaid-agent/internal/catalog"
	"ayurvaid-agent/internal/intake"
	"ayurvaid-agent/internal/predictor"
)

// LanguageModel runs one prompt through a role session.
type LanguageModel interface {
	Invoke(ctx context.Context, s *agent.Session, prompt string) (string, error)
}

// SessionRegistry hands out role sessions.
type SessionRegistry interface {
	GetOrCreate(key agent.SessionKey) (*agent.Session, error)
}

// ReportService is told about every completed assessment.
type ReportService interface {
	SendDoctorReport(ctx context.Context, a Assessment) error
}

type Service interface {
	HandleTurn(ctx context.Context, callerID, conversationID, utterance string) (*TurnResult, error)
	Transcript(ctx context.Context, callerID, conversationID string) ([]Turn, error)
	Search(ctx context.Context, callerID, keyword, conversationID string) ([]Turn, error)
	Conversations(ctx context.Context, callerID string) ([]ConversationSummary, error)
	ConversationName(ctx context.Context, callerID, conversationID string) (string, error)
}

// Dependencies wires the service. Reports is optional.
type Dependencies struct {
	Transcripts  TranscriptStore
	Intakes      IntakeStore
	Sessions     SessionRegistry
	Model        LanguageModel
	Predictor    predictor.Predictor
	Catalog      *catalog.Catalog
	Reports      ReportService
	HistoryTurns int
}

type service struct {
	transcripts  TranscriptStore
	intakes      IntakeStore
	sessions     SessionRegistry
	model        LanguageModel
	predictor    predictor.Predictor
	catalog      *catalog.Catalog
	reportSvc    ReportService
	historyTurns int
	newID        func() string
	now          func() time.Time
}

func NewService(deps Dependencies) Service {
	turns := deps.HistoryTurns
	if turns <= 0 {
		turns = 5
	}
	return &service{
		transcripts:  deps.Transcripts,
		intakes:      deps.Intakes,
		sessions:     deps.Sessions,
		model:        deps.Model,
		predictor:    deps.Predictor,
		catalog:      deps.Catalog,
		reportSvc:    deps.Reports,
		historyTurns: turns,
		newID:        func() string { return ulid.Make().String() },
		now:          time.Now,
	}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// roles holds one session per language-model role for a conversation.
type roles struct {
	intent         *agent.Session
	conversational *agent.Session
	extraction     *agent.Session
	adjustment     *agent.Session
	localization   *agent.Session
	synthesis      *agent.Session
}

func (s *service) openRoles(callerID, conversationID string) (*roles, error) {
	p := s.catalog.Prompts
	get := func(instruction string) (*agent.Session, error) {
		return s.sessions.GetOrCreate(agent.SessionKey{
			CallerID:       callerID,
			ConversationID: conversationID,
			Instruction:    instruction,
		})
	}

	var r roles
	for _, slot := range []struct {
		dst         **agent.Session
		instruction string
	}{
		{&r.intent, p.Intent},
		{&r.conversational, p.Conversational},
		{&r.extraction, p.Extraction},
		{&r.adjustment, p.Adjustment},
		{&r.localization, p.Localization},
		{&r.synthesis, p.Synthesis},
	} {
		sess, err := get(slot.instruction)
		if err != nil {
			return nil, err
		}
		*slot.dst = sess
	}
	return &r, nil
}

type turn struct {
	callerID       string
	conversationID string
	utterance      string
	grounding      string
	roles          *roles
}

// HandleTurn processes one utterance end to end: it records the exchange,
// routes it by intent and, for informational turns, grows the conversation's
// intake until a prediction can be made.
func (s *service) HandleTurn(ctx context.Context, callerID, conversationID, utterance string) (*TurnResult, error) {
	// A turn runs to completion even if the caller goes away; each language
	// call still carries its own timeout.
	ctx = context.WithoutCancel(ctx)

	if conversationID == "" {
		conversationID = s.newID()
		log.Printf("Generated new conversation_id %s for caller %s", conversationID, callerID)
	} else {
		exists, err := s.transcripts.HasConversation(ctx, callerID, conversationID)
		if err != nil {
			return nil, storageErr("check conversation", err)
		}
		if !exists {
			log.Printf("Warning: conversation %s not found for caller %s, starting it", conversationID, callerID)
		}
	}

	r, err := s.openRoles(callerID, conversationID)
	if err != nil {
		return nil, err
	}

	history, err := s.transcripts.LastTurns(ctx, callerID, conversationID, s.historyTurns)
	if err != nil {
		return nil, storageErr("load history", err)
	}

	if _, err := s.transcripts.AppendTurn(ctx, callerID, conversationID, RoleUser, utterance); err != nil {
		return nil, storageErr("save user turn", err)
	}

	t := &turn{
		callerID:       callerID,
		conversationID: conversationID,
		utterance:      utterance,
		grounding:      groundingContext(history, utterance),
		roles:          r,
	}
	response, err := s.respond(ctx, t)
	if err != nil {
		if errors.Is(err, ErrStorage) {
			return nil, err
		}
		log.Printf("Error processing turn in conversation %s: %v", conversationID, err)
		response = ApologyMessage
	}

	if _, err := s.transcripts.AppendTurn(ctx, callerID, conversationID, RoleAssistant, response); err != nil {
		return nil, storageErr("save assistant turn", err)
	}
	return &TurnResult{Response: response, ConversationID: conversationID}, nil
}

func (s *service) respond(ctx context.Context, t *turn) (string, error) {
	intent, err := s.model.Invoke(ctx, t.roles.intent, t.grounding)
	if err != nil {
		return "", fmt.Errorf("intent classification failed: %w", err)
	}

	if strings.ToLower(strings.TrimSpace(intent)) == "general" {
		reply, err := s.model.Invoke(ctx, t.roles.conversational, t.grounding)
		if err != nil {
			return "", fmt.Errorf("conversational reply failed: %w", err)
		}
		return reply, nil
	}
	return s.collect(ctx, t)
}

// collect runs the informational branch: extract, merge, check completeness
// and, once the intake is complete, produce an assessment.
func (s *service) collect(ctx context.Context, t *turn) (string, error) {
	raw, err := s.model.Invoke(ctx, t.roles.extraction, t.grounding)
	if err != nil {
		log.Printf("Extraction failed, continuing without new details: %v", err)
	}
	ext := intake.ParseExtraction(raw)

	pending, err := s.intakes.LoadIntake(ctx, t.callerID, t.conversationID)
	if err != nil {
		return "", storageErr("load intake", err)
	}

	snapshot := intake.Merge(pending, ext)
	noConditions := intake.SignalsNoConditions(t.utterance)
	if noConditions {
		snapshot.PreviousConditions = nil
	}

	if missing := snapshot.Missing(noConditions); len(missing) > 0 {
		if err := s.intakes.SaveIntake(ctx, t.callerID, t.conversationID, snapshot); err != nil {
			return "", storageErr("save intake", err)
		}
		return MissingPrompt(missing), nil
	}

	vector := intake.Vectorize(snapshot.Symptoms, s.catalog.Vocabulary)
	if intake.Matched(vector) == 0 {
		return NoMatchMessage, nil
	}

	a, err := s.assess(ctx, t, snapshot, vector)
	if err != nil {
		return "", err
	}

	if err := s.intakes.ClearIntake(ctx, t.callerID, t.conversationID); err != nil {
		return "", storageErr("clear intake", err)
	}

	if s.reportSvc != nil {
		go func(a Assessment) {
			// Detached from the request, which may finish first.
			if err := s.reportSvc.SendDoctorReport(context.Background(), a); err != nil {
				log.Printf("Failed to send report: %v", err)
			} else {
				log.Printf("Report for conversation %s sent", a.ConversationID)
			}
		}(*a)
	}
	return a.Response, nil
}

func (s *service) assess(ctx context.Context, t *turn, snapshot intake.Snapshot, vector []int) (*Assessment, error) {
	disease, err := s.predictor.Predict(ctx, vector)
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}
	log.Printf("Predicted %q for conversation %s", disease, t.conversationID)

	a := &Assessment{
		CallerID:       t.callerID,
		ConversationID: t.conversationID,
		Disease:        disease,
		Intake:         snapshot,
		CreatedAt:      s.now().UTC(),
	}

	adj, err := s.model.Invoke(ctx, t.roles.adjustment, adjustmentPrompt(disease, snapshot))
	if err != nil {
		log.Printf("Adjustment failed, using defaults: %v", err)
	}
	parsed := parseAdjustment(adj)
	a.DiseaseAdjustment, a.MedicineAdjustment = parsed.Disease, parsed.Medicine

	name, err := s.model.Invoke(ctx, t.roles.localization, localizationPrompt(disease, snapshot.Symptoms))
	if err != nil {
		return nil, fmt.Errorf("ayurvedic classification failed: %w", err)
	}
	a.AyurvedicName = strings.TrimSpace(name)
	a.Remedies = s.catalog.Remedies(a.AyurvedicName)

	final, err := s.model.Invoke(ctx, t.roles.synthesis, synthesisPrompt(*a))
	if err != nil {
		return nil, fmt.Errorf("final response failed: %w", err)
	}
	a.Response = final
	return a, nil
}

func (s *service) Transcript(ctx context.Context, callerID, conversationID string) ([]Turn, error) {
	turns, err := s.transcripts.Transcript(ctx, callerID, conversationID)
	if err != nil {
		return nil, storageErr("load transcript", err)
	}
	return turns, nil
}

func (s *service) Search(ctx context.Context, callerID, keyword, conversationID string) ([]Turn, error) {
	turns, err := s.transcripts.Search(ctx, callerID, keyword, conversationID)
	if err != nil {
		return nil, storageErr("search turns", err)
	}
	return turns, nil
}

func (s *service) Conversations(ctx context.Context, callerID string) ([]ConversationSummary, error) {
	list, err := s.transcripts.Conversations(ctx, callerID)
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	for i := range list {
		name, err := s.ConversationName(ctx, callerID, list[i].ConversationID)
		if err != nil {
			return nil, err
		}
		list[i].Name = name
	}
	return list, nil
}

// ConversationName derives a display name: the opening user message, else
// the first pending symptoms, else a short form of the id.
func (s *service) ConversationName(ctx context.Context, callerID, conversationID string) (string, error) {
	turns, err := s.transcripts.Transcript(ctx, callerID, conversationID)
	if err != nil {
		return "", storageErr("load transcript", err)
	}
	for _, t := range turns {
		if t.Role == RoleUser && strings.TrimSpace(t.Content) != "" {
			return truncate(strings.TrimSpace(t.Content), 30), nil
		}
	}

	pending, err := s.intakes.LoadIntake(ctx, callerID, conversationID)
	if err != nil {
		return "", storageErr("load intake", err)
	}
	if n := len(pending.Symptoms); n > 0 {
		return strings.Join(pending.Symptoms[:min(n, 2)], ", "), nil
	}

	short := conversationID
	if r := []rune(short); len(r) > 6 {
		short = string(r[len(r)-6:])
	}
	return "Conversation " + short, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
