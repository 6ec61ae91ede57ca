package consultation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"ayurvaid-agent/internal/agent"
	"ayurvaid-agent/internal/catalog"
	"ayurvaid-agent/internal/intake"
)

const testPack = `{
	"intentPrompt": "intent",
	"conversationalPrompt": "chat",
	"systemPrompt": "extract",
	"adjustmentPrompt": "adjust",
	"ayurvedicSystemPrompt": "ayurveda",
	"finalResponseSystemPrompt": "final",
	"symptom_master_list": ["Fever", "Headache", "Cough"],
	"aryuvedicMedicineData": {"Pratishyaya": ["Tulsi", "Ginger"]}
}`

// memStore is an in-memory TranscriptStore and IntakeStore.
type memStore struct {
	mu         sync.Mutex
	turns      []Turn
	intakes    map[string]intake.Snapshot
	failIntake error
	failAppend error
	clock      time.Time
}

func newMemStore() *memStore {
	return &memStore{intakes: map[string]intake.Snapshot{}, clock: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func key(callerID, conversationID string) string { return callerID + "/" + conversationID }

func (m *memStore) AppendTurn(_ context.Context, callerID, conversationID string, role Role, content string) (*Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return nil, m.failAppend
	}
	m.clock = m.clock.Add(time.Second)
	t := Turn{ID: int64(len(m.turns) + 1), CallerID: callerID, ConversationID: conversationID, Role: role, Content: content, CreatedAt: m.clock}
	m.turns = append(m.turns, t)
	return &t, nil
}

func (m *memStore) LastTurns(_ context.Context, callerID, conversationID string, n int) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Turn
	for i := len(m.turns) - 1; i >= 0 && len(out) < n; i-- {
		if t := m.turns[i]; t.CallerID == callerID && t.ConversationID == conversationID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) Conversations(_ context.Context, callerID string) ([]ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ConversationSummary
	seen := map[string]bool{}
	for i := len(m.turns) - 1; i >= 0; i-- {
		t := m.turns[i]
		if t.CallerID != callerID || seen[t.ConversationID] {
			continue
		}
		seen[t.ConversationID] = true
		out = append(out, ConversationSummary{ConversationID: t.ConversationID, LatestAt: t.CreatedAt})
	}
	return out, nil
}

func (m *memStore) Transcript(_ context.Context, callerID, conversationID string) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Turn
	for _, t := range m.turns {
		if t.CallerID == callerID && (conversationID == "" || t.ConversationID == conversationID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) Search(_ context.Context, callerID, keyword, conversationID string) ([]Turn, error) {
	turns, _ := m.Transcript(context.Background(), callerID, conversationID)
	var out []Turn
	for _, t := range turns {
		if strings.Contains(strings.ToLower(t.Content), strings.ToLower(keyword)) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) HasConversation(_ context.Context, callerID, conversationID string) (bool, error) {
	turns, _ := m.Transcript(context.Background(), callerID, conversationID)
	return len(turns) > 0, nil
}

func (m *memStore) SaveIntake(_ context.Context, callerID, conversationID string, s intake.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIntake != nil {
		return m.failIntake
	}
	m.intakes[key(callerID, conversationID)] = s
	return nil
}

func (m *memStore) LoadIntake(_ context.Context, callerID, conversationID string) (intake.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIntake != nil {
		return intake.Snapshot{}, m.failIntake
	}
	return m.intakes[key(callerID, conversationID)], nil
}

func (m *memStore) ClearIntake(_ context.Context, callerID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.intakes, key(callerID, conversationID))
	return nil
}

func (m *memStore) pending(callerID, conversationID string) (intake.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.intakes[key(callerID, conversationID)]
	return s, ok
}

// scriptedModel answers by role instruction. A role without a script gets a
// backend error.
type scriptedModel struct {
	mu      sync.Mutex
	scripts map[string][]reply
	prompts map[string][]string
}

type reply struct {
	text string
	err  error
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{scripts: map[string][]reply{}, prompts: map[string][]string{}}
}

func (m *scriptedModel) on(instruction string, replies ...string) {
	for _, r := range replies {
		m.scripts[instruction] = append(m.scripts[instruction], reply{text: r})
	}
}

func (m *scriptedModel) fail(instruction string) {
	m.scripts[instruction] = append(m.scripts[instruction], reply{
		text: agent.EmptyExtraction,
		err:  fmt.Errorf("%w: boom", agent.ErrBackend),
	})
}

func (m *scriptedModel) Invoke(_ context.Context, s *agent.Session, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := s.Key.Instruction
	m.prompts[in] = append(m.prompts[in], prompt)
	queue := m.scripts[in]
	if len(queue) == 0 {
		return agent.EmptyExtraction, fmt.Errorf("%w: no script for %q", agent.ErrBackend, in)
	}
	r := queue[0]
	m.scripts[in] = queue[1:]
	return r.text, r.err
}

type fakePredictor struct {
	label   string
	err     error
	vectors [][]int
}

func (p *fakePredictor) Predict(_ context.Context, vector []int) (string, error) {
	p.vectors = append(p.vectors, vector)
	return p.label, p.err
}

type fakeReports struct {
	sent chan Assessment
}

func (f *fakeReports) SendDoctorReport(_ context.Context, a Assessment) error {
	f.sent <- a
	return nil
}

type fixture struct {
	svc       *service
	store     *memStore
	model     *scriptedModel
	predictor *fakePredictor
	registry  *agent.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Parse([]byte(testPack))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	f := &fixture{
		store:     newMemStore(),
		model:     newScriptedModel(),
		predictor: &fakePredictor{label: "Common Cold"},
		registry:  agent.NewRegistry(agent.Config{APIKey: "k", Model: "m"}),
	}
	f.svc = NewService(Dependencies{
		Transcripts: f.store,
		Intakes:     f.store,
		Sessions:    f.registry,
		Model:       f.model,
		Predictor:   f.predictor,
		Catalog:     cat,
	}).(*service)
	f.svc.newID = func() string { return "01HCONVERSATION" }
	return f
}

func TestHandleTurnTwoTurnIntake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.model.on("intent", "symptoms", "symptoms")
	f.model.on("extract", `{"symptoms": ["fever", "cough"], "age": null}`, `{"age": "30", "gender": "male"}`)
	f.model.on("adjust", `{"disease_adjustment": "Mild", "medicine_adjustment": "Rest"}`)
	f.model.on("ayurveda", " Pratishyaya \n")
	f.model.on("final", "You likely have a common cold.")

	first, err := f.svc.HandleTurn(ctx, "u1", "", "I have fever and cough")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if first.ConversationID != "01HCONVERSATION" {
		t.Errorf("conversation id = %q", first.ConversationID)
	}
	if want := "Please provide your age, gender, previous health conditions."; first.Response != want {
		t.Errorf("turn 1 response = %q, want %q", first.Response, want)
	}
	if len(f.predictor.vectors) != 0 {
		t.Error("predictor must not run for an incomplete intake")
	}
	pending, ok := f.store.pending("u1", first.ConversationID)
	if !ok || !reflect.DeepEqual(pending.Symptoms, []string{"fever", "cough"}) {
		t.Fatalf("pending snapshot = %+v", pending)
	}

	second, err := f.svc.HandleTurn(ctx, "u1", first.ConversationID, "I am 30, male, no previous conditions")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if second.Response != "You likely have a common cold." {
		t.Errorf("turn 2 response = %q", second.Response)
	}
	if !reflect.DeepEqual(f.predictor.vectors, [][]int{{1, 0, 1}}) {
		t.Errorf("predictor vectors = %v", f.predictor.vectors)
	}
	if _, ok := f.store.pending("u1", first.ConversationID); ok {
		t.Error("snapshot should be cleared after a completed assessment")
	}

	wantGrounding := "I have fever and cough\nPlease provide your age, gender, previous health conditions.\nUser: I am 30, male, no previous conditions"
	if got := f.model.prompts["intent"][1]; got != wantGrounding {
		t.Errorf("grounding context = %q, want %q", got, wantGrounding)
	}
	if got := f.model.prompts["ayurveda"][0]; got != "Diseases: Common Cold\nSymptoms: fever, cough" {
		t.Errorf("localisation prompt = %q", got)
	}
	final := f.model.prompts["final"][0]
	for _, want := range []string{
		"Disease Name: Common Cold",
		"Age: 30",
		"Gender: male",
		"Previous Health Conditions: None",
		"Disease Adjustment: Mild",
		"Medicine Adjustment: Rest",
		"Ayurvedic Disease Name: Pratishyaya",
		"Ayurvedic Medications List: Tulsi, Ginger",
	} {
		if !strings.Contains(final, want) {
			t.Errorf("synthesis prompt missing %q:\n%s", want, final)
		}
	}

	turns, _ := f.store.Transcript(ctx, "u1", first.ConversationID)
	if len(turns) != 4 {
		t.Fatalf("expected 4 persisted turns, got %d", len(turns))
	}
	if turns[3].Role != RoleAssistant || turns[3].Content != second.Response {
		t.Errorf("last turn = %+v", turns[3])
	}
	if f.registry.Len() != 6 {
		t.Errorf("expected one session per role, got %d", f.registry.Len())
	}
}

func TestHandleTurnGeneralIntent(t *testing.T) {
	f := newFixture(t)
	f.model.on("intent", "  General\n")
	f.model.on("chat", "Hello! How can I help?")

	res, err := f.svc.HandleTurn(context.Background(), "u1", "", "hi there")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Response != "Hello! How can I help?" {
		t.Errorf("response = %q", res.Response)
	}
	if len(f.model.prompts["extract"]) != 0 {
		t.Error("general turns must not run extraction")
	}
	if _, ok := f.store.pending("u1", res.ConversationID); ok {
		t.Error("general turns must not touch the intake")
	}
}

func TestHandleTurnNoSymptomMatchKeepsSnapshot(t *testing.T) {
	f := newFixture(t)
	seed := intake.Snapshot{Symptoms: []string{"itchy toes"}, Age: intake.Some("40"), PreviousConditions: []string{"asthma"}}
	f.store.SaveIntake(context.Background(), "u1", "c1", seed)
	f.store.AppendTurn(context.Background(), "u1", "c1", RoleUser, "my toes itch")

	f.model.on("intent", "symptoms")
	f.model.on("extract", `{"gender": "female"}`)

	res, err := f.svc.HandleTurn(context.Background(), "u1", "c1", "I am female")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Response != NoMatchMessage {
		t.Errorf("response = %q", res.Response)
	}
	got, _ := f.store.pending("u1", "c1")
	if !reflect.DeepEqual(got, seed) {
		t.Errorf("snapshot changed: %+v", got)
	}
	if len(f.predictor.vectors) != 0 {
		t.Error("predictor must not run for an all-zero vector")
	}
}

func TestHandleTurnExtractionFailureIsSoft(t *testing.T) {
	f := newFixture(t)
	f.model.on("intent", "symptoms")
	f.model.fail("extract")

	res, err := f.svc.HandleTurn(context.Background(), "u1", "", "something hurts")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if want := "Please provide your symptoms, age, gender, previous health conditions."; res.Response != want {
		t.Errorf("response = %q, want %q", res.Response, want)
	}
}

func TestHandleTurnHardFailureApologises(t *testing.T) {
	f := newFixture(t)
	seed := intake.Snapshot{Symptoms: []string{"fever"}, Age: intake.Some("30"), Gender: intake.Some("male")}
	f.store.SaveIntake(context.Background(), "u1", "c1", seed)

	f.model.on("intent", "symptoms")
	f.model.on("extract", `{}`)
	f.model.fail("adjust")
	f.model.fail("ayurveda")

	res, err := f.svc.HandleTurn(context.Background(), "u1", "c1", "none")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Response != ApologyMessage {
		t.Errorf("response = %q", res.Response)
	}
	if _, ok := f.store.pending("u1", "c1"); !ok {
		t.Error("snapshot must survive a failed assessment")
	}
	turns, _ := f.store.Transcript(context.Background(), "u1", "c1")
	if len(turns) != 2 || turns[1].Content != ApologyMessage {
		t.Errorf("apology should be persisted, got %+v", turns)
	}
}

func TestHandleTurnIntentFailureApologises(t *testing.T) {
	f := newFixture(t)
	f.model.fail("intent")

	res, err := f.svc.HandleTurn(context.Background(), "u1", "", "hello")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Response != ApologyMessage {
		t.Errorf("response = %q", res.Response)
	}
}

func TestHandleTurnStorageError(t *testing.T) {
	f := newFixture(t)
	f.store.failIntake = errors.New("disk full")
	f.model.on("intent", "symptoms")
	f.model.on("extract", `{"symptoms": ["fever"]}`)

	_, err := f.svc.HandleTurn(context.Background(), "u1", "c1", "fever")
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	turns, _ := f.store.Transcript(context.Background(), "u1", "c1")
	if len(turns) != 1 {
		t.Errorf("only the user turn should be stored, got %d turns", len(turns))
	}
}

func TestHandleTurnNotConfigured(t *testing.T) {
	f := newFixture(t)
	f.svc.sessions = agent.NewRegistry(agent.Config{})

	_, err := f.svc.HandleTurn(context.Background(), "u1", "", "hello")
	if !errors.Is(err, agent.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if turns, _ := f.store.Transcript(context.Background(), "u1", ""); len(turns) != 0 {
		t.Error("nothing should be persisted before the backend is configured")
	}
}

func TestHandleTurnSendsReport(t *testing.T) {
	f := newFixture(t)
	reports := &fakeReports{sent: make(chan Assessment, 1)}
	f.svc.reportSvc = reports
	f.store.SaveIntake(context.Background(), "u1", "c1", intake.Snapshot{
		Symptoms: []string{"Fever"}, Age: intake.Some("30"), Gender: intake.Some("female"), PreviousConditions: []string{"asthma"},
	})

	f.model.on("intent", "symptoms")
	f.model.on("extract", `{}`)
	f.model.on("adjust", "not json")
	f.model.on("ayurveda", "Jwara")
	f.model.on("final", "done")

	if _, err := f.svc.HandleTurn(context.Background(), "u1", "c1", "that's all"); err != nil {
		t.Fatalf("turn: %v", err)
	}
	select {
	case a := <-reports.sent:
		if a.Disease != "Common Cold" || a.AyurvedicName != "Jwara" || a.Response != "done" {
			t.Errorf("unexpected assessment %+v", a)
		}
		if a.DiseaseAdjustment != "None" || a.MedicineAdjustment != "None" {
			t.Errorf("malformed adjustment should default to None, got %q / %q", a.DiseaseAdjustment, a.MedicineAdjustment)
		}
		if len(a.Remedies) != 0 {
			t.Errorf("unknown remedy should give an empty list, got %v", a.Remedies)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("report was not sent")
	}
}

func TestConversationName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AppendTurn(ctx, "u1", "long", RoleUser, "I have had a terrible headache since Monday morning")
	f.store.AppendTurn(ctx, "u1", "short", RoleUser, "fever")
	f.store.SaveIntake(ctx, "u1", "pending", intake.Snapshot{Symptoms: []string{"fever", "cough", "chills"}})

	tests := []struct {
		id   string
		want string
	}{
		{"long", "I have had a terrible headache..."},
		{"short", "fever"},
		{"pending", "fever, cough"},
		{"01HXYZABCDEF", "Conversation ABCDEF"},
	}
	for _, tt := range tests {
		got, err := f.svc.ConversationName(ctx, "u1", tt.id)
		if err != nil {
			t.Fatalf("name %s: %v", tt.id, err)
		}
		if got != tt.want {
			t.Errorf("name(%s) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestConversationsAreNamed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AppendTurn(ctx, "u1", "a", RoleUser, "first")
	f.store.AppendTurn(ctx, "u1", "b", RoleUser, "second")
	f.store.AppendTurn(ctx, "u2", "c", RoleUser, "other caller")

	list, err := f.svc.Conversations(ctx, "u1")
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(list) != 2 || list[0].ConversationID != "b" || list[0].Name != "second" || list[1].Name != "first" {
		t.Errorf("unexpected list %+v", list)
	}
}

func TestTranscriptUnknownConversationIsEmpty(t *testing.T) {
	f := newFixture(t)
	turns, err := f.svc.Transcript(context.Background(), "u1", "missing")
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("expected no turns, got %+v", turns)
	}
}

// cancellingModel cancels the caller's context on its first call and then
// fails the way a backend does when its request is aborted.
type cancellingModel struct {
	cancel context.CancelFunc
}

func (m *cancellingModel) Invoke(_ context.Context, _ *agent.Session, _ string) (string, error) {
	m.cancel()
	return agent.EmptyExtraction, fmt.Errorf("%w: %w", agent.ErrBackend, context.Canceled)
}

func TestHandleTurnSurvivesCallerCancellation(t *testing.T) {
	repo := newTestRepo(t)
	cat, err := catalog.Parse([]byte(testPack))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := NewService(Dependencies{
		Transcripts: repo,
		Intakes:     repo,
		Sessions:    agent.NewRegistry(agent.Config{APIKey: "k", Model: "m"}),
		Model:       &cancellingModel{cancel: cancel},
		Predictor:   &fakePredictor{label: "Common Cold"},
		Catalog:     cat,
	})

	res, err := svc.HandleTurn(ctx, "u1", "c1", "I have a fever")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("caller context should have been cancelled during the turn")
	}
	if res.Response != ApologyMessage {
		t.Errorf("response = %q", res.Response)
	}

	turns, err := repo.Transcript(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if len(turns) != 2 || turns[0].Role != RoleUser || turns[1].Content != ApologyMessage {
		t.Errorf("expected user turn and apology to be stored, got %+v", turns)
	}
}
