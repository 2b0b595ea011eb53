package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"sortbox/internal/classify"
	"sortbox/internal/gmail"
	"sortbox/internal/harvest"
	"sortbox/internal/model"
	"sortbox/internal/store"
)

type viewState int

const (
	viewLoading      viewState = iota
	viewAuth                   // waiting for auth code input
	viewTranches               // main tranche list
	viewItems                  // items of one tranche
	viewBody                   // single message body
	viewConfirmReset           // y/n before wiping everything
	viewConfirmDelete          // y/n before dropping one tranche
)

// Deps are the collaborators the app is built from.
type Deps struct {
	Store   *store.SQLiteStore
	Harvest harvest.Config
	Connect Connector
	Log     harvest.Logger

	// Classifier is nil when no AI provider is configured.
	Classifier classify.Classifier
	BatchSize  int

	// OnReset runs after the store is cleared, e.g. to forget the OAuth token.
	OnReset func() error

	// SchedulerOptions are passed to harvest.NewScheduler.
	SchedulerOptions []harvest.Option
}

type AppModel struct {
	// Core state
	deps    Deps
	session Session
	sched   *harvest.Scheduler
	Err     error
	status  string
	busy    string // classify/file/reset in progress

	// Auth flow
	uiEvents      chan interface{}
	userResponses chan string
	textInput     textinput.Model
	authURL       string

	// View state machine
	view         viewState
	tranches     []model.Tranche
	total        int
	selected     *model.Tranche
	selectedItem *model.EnrichedItem
	deleting     int // tranche awaiting delete confirmation

	// Sub-models
	tranchesList list.Model
	itemsList    list.Model
	bodyViewport viewport.Model
	bar          progress.Model
	spin         spinner.Model

	// Layout
	width, height int

	program *tea.Program
	running *sync.WaitGroup
}

func NewAppModel(deps Deps) AppModel {
	ti := textinput.New()
	ti.Placeholder = "Paste auth code or redirect URL here"
	ti.Focus()

	tl := list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0)
	tl.Title = "Tranches"
	tl.KeyMap.Quit.SetKeys("q")

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	if deps.BatchSize <= 0 {
		deps.BatchSize = 25
	}

	return AppModel{
		deps:          deps,
		status:        "Connecting...",
		view:          viewLoading,
		uiEvents:      make(chan interface{}, 1),
		userResponses: make(chan string),
		textInput:     ti,
		tranchesList:  tl,
		itemsList:     list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0),
		bodyViewport:  viewport.New(0, 0),
		bar:           progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		spin:          sp,
		running:       new(sync.WaitGroup),
	}
}

// SetProgram stores the program and forwards store changes into it.
func (m *AppModel) SetProgram(p *tea.Program) {
	m.program = p
	if m.deps.Store != nil {
		m.deps.Store.OnChange(func(trancheID int) {
			p.Send(storeChangedMsg(trancheID))
		})
	}
}

// Close stops a running harvest, waits briefly for it to persist its
// position, and closes the session.
func (m *AppModel) Close() error {
	if m.sched != nil {
		m.sched.Stop()
		m.sched.Cooldowns().CancelAll()
	}
	done := make(chan struct{})
	go func() {
		m.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	if m.session != nil {
		return m.session.Close()
	}
	return nil
}

func (m *AppModel) Init() tea.Cmd {
	return tea.Batch(m.connectCmd(), textinput.Blink, m.spin.Tick, tick())
}

func (m *AppModel) connectCmd() tea.Cmd {
	return func() tea.Msg {
		go func() {
			sess, err := m.deps.Connect(context.Background(), m.uiEvents, m.userResponses)
			m.uiEvents <- connectedMsg{session: sess, err: err}
		}()
		return m.nextEvent()
	}
}

// nextEvent converts what the connector sends into a tea.Msg. The login
// flow sends the auth URL as a raw string before the result.
func (m *AppModel) nextEvent() tea.Msg {
	event := <-m.uiEvents
	switch v := event.(type) {
	case string:
		return authURLMsg(v)
	default:
		return event
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		listH := msg.Height - 6 // room for header + footer
		m.tranchesList.SetSize(msg.Width, listH)
		m.itemsList.SetSize(msg.Width, listH)
		m.bodyViewport.Width = msg.Width
		m.bodyViewport.Height = msg.Height - 6
		m.bar.Width = max(10, msg.Width-40)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case authURLMsg:
		m.authURL = string(msg)
		m.view = viewAuth
		return m, func() tea.Msg { return m.nextEvent() }

	case connectedMsg:
		if msg.err != nil {
			m.Err = msg.err
			m.status = "Connection failed!"
			return m, tea.Quit
		}
		m.session = msg.session
		m.sched = harvest.NewScheduler(m.deps.Store, msg.session, m.deps.Harvest, m.deps.Log, m.deps.SchedulerOptions...)
		m.status = "Preparing tranches..."
		m.view = viewLoading
		return m, m.prepareCmd()

	case tranchesLoadedMsg:
		if msg.err != nil {
			if m.view == viewLoading {
				m.Err = msg.err
				return m, tea.Quit
			}
			m.status = fmt.Sprintf("Load failed: %v", msg.err)
			return m, nil
		}
		m.tranches = msg.tranches
		m.total = msg.total
		m.refreshTranches()
		if m.view == viewLoading {
			m.view = viewTranches
			m.status = ""
		}
		return m, nil

	case storeChangedMsg:
		cmds := []tea.Cmd{m.loadTranchesCmd()}
		if m.selected != nil && (int(msg) == m.selected.ID || msg == 0) && m.view == viewItems {
			cmds = append(cmds, m.loadItemsCmd(m.selected.ID))
		}
		return m, tea.Batch(cmds...)

	case itemsLoadedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("Load failed: %v", msg.err)
			return m, nil
		}
		if msg.tranche == nil {
			m.view = viewTranches
			m.selected = nil
			return m, nil
		}
		m.selected = msg.tranche
		m.itemsList.SetItems(sortedItems(msg.tranche.Items))
		m.itemsList.Title = fmt.Sprintf("Tranche %d (%d messages)", msg.tranche.ID, len(msg.tranche.Items))
		if m.view == viewTranches {
			m.view = viewItems
		}
		return m, nil

	case harvestDoneMsg:
		switch {
		case errors.Is(msg.err, harvest.ErrHarvestInFlight):
			m.status = "A harvest is already running"
		case errors.Is(msg.err, harvest.ErrResetting):
			m.status = "Reset in progress"
		case msg.err != nil:
			m.status = fmt.Sprintf("Tranche %d: %s (%v)", msg.trancheID, msg.status, msg.err)
		default:
			m.status = fmt.Sprintf("Tranche %d: %s", msg.trancheID, msg.status)
		}
		return m, nil

	case actionResultMsg:
		m.busy = ""
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
		} else {
			m.status = fmt.Sprintf("%s complete: %s", msg.action, msg.detail)
		}
		return m, clearStatusAfter(4 * time.Second)

	case bodyFetchedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("Failed to load body: %v", msg.err)
			return m, nil
		}
		header := ""
		if m.selectedItem != nil {
			header = bodyHeader(*m.selectedItem) + "\n\n"
		}
		m.bodyViewport.SetContent(header + msg.body)
		m.bodyViewport.GotoTop()
		m.view = viewBody
		m.status = ""
		return m, nil

	case tickMsg:
		// Cooldown countdowns are rendered from the clock.
		m.refreshTranches()
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case statusMsg:
		if string(msg) == "" {
			m.status = ""
		}
		return m, nil
	}

	// Delegate to active sub-model
	var cmd tea.Cmd
	switch m.view {
	case viewAuth:
		m.textInput, cmd = m.textInput.Update(msg)
	case viewTranches:
		m.tranchesList, cmd = m.tranchesList.Update(msg)
	case viewItems:
		m.itemsList, cmd = m.itemsList.Update(msg)
	case viewBody:
		m.bodyViewport, cmd = m.bodyViewport.Update(msg)
	}
	return m, cmd
}

func (m *AppModel) refreshTranches() {
	idx := m.tranchesList.Index()
	m.tranchesList.SetItems(tranchesToItems(m.tranches, time.Now()))
	if idx < len(m.tranches) {
		m.tranchesList.Select(idx)
	}
}

func (m *AppModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	// Global keys
	switch key {
	case "ctrl+c":
		return m, tea.Quit
	}

	switch m.view {
	case viewAuth:
		switch key {
		case "enter":
			val := m.textInput.Value()
			m.textInput.Reset()
			return m, func() tea.Msg {
				m.userResponses <- val
				return nil
			}
		case "esc":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.textInput, cmd = m.textInput.Update(msg)
		return m, cmd

	case viewConfirmReset:
		m.view = viewTranches
		if key == "y" || key == "Y" {
			m.busy = "Resetting"
			return m, m.resetCmd()
		}
		m.status = "Reset cancelled"
		return m, clearStatusAfter(2 * time.Second)

	case viewConfirmDelete:
		m.view = viewTranches
		id := m.deleting
		m.deleting = 0
		if key == "y" || key == "Y" {
			return m, m.deleteCmd(id)
		}
		m.status = "Delete cancelled"
		return m, clearStatusAfter(2 * time.Second)

	case viewTranches:
		// When the list is filtering, let it handle all keys except ctrl+c
		if m.tranchesList.FilterState() == list.Filtering {
			var cmd tea.Cmd
			m.tranchesList, cmd = m.tranchesList.Update(msg)
			return m, cmd
		}
		switch key {
		case "q":
			return m, tea.Quit
		case "enter":
			if t := m.selectedTranche(); t != nil {
				return m, m.startCmd(t.ID)
			}
			return m, nil
		case "x":
			if !m.sched.Running() {
				m.status = "Nothing is running"
				return m, clearStatusAfter(2 * time.Second)
			}
			m.sched.Stop()
			m.status = "Stopping..."
			return m, nil
		case "R":
			m.view = viewConfirmReset
			return m, nil
		case "D":
			if t := m.selectedTranche(); t != nil {
				m.deleting = t.ID
				m.view = viewConfirmDelete
			}
			return m, nil
		case "i":
			if t := m.selectedTranche(); t != nil {
				return m, m.loadItemsCmd(t.ID)
			}
			return m, nil
		case "c":
			if t := m.selectedTranche(); t != nil {
				return m, m.classifyCmd(t.ID)
			}
			return m, nil
		case "f":
			if t := m.selectedTranche(); t != nil {
				return m, m.fileCmd(t.ID)
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.tranchesList, cmd = m.tranchesList.Update(msg)
		return m, cmd

	case viewItems:
		if m.itemsList.FilterState() == list.Filtering {
			var cmd tea.Cmd
			m.itemsList, cmd = m.itemsList.Update(msg)
			return m, cmd
		}
		switch key {
		case "q":
			return m, tea.Quit
		case "esc":
			m.view = viewTranches
			m.selected = nil
			return m, nil
		case "enter":
			return m.enterItem()
		case "c":
			return m, m.classifyCmd(m.selected.ID)
		case "f":
			return m, m.fileCmd(m.selected.ID)
		}
		var cmd tea.Cmd
		m.itemsList, cmd = m.itemsList.Update(msg)
		return m, cmd

	case viewBody:
		switch key {
		case "q":
			return m, tea.Quit
		case "esc":
			m.view = viewItems
			m.selectedItem = nil
			return m, nil
		case "o":
			if m.selectedItem != nil {
				if url := m.session.WebURL(m.selectedItem.ID); url != "" {
					gmail.OpenBrowser(url)
				}
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.bodyViewport, cmd = m.bodyViewport.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *AppModel) selectedTranche() *model.Tranche {
	selected := m.tranchesList.SelectedItem()
	if selected == nil {
		return nil
	}
	t := selected.(trancheItem).Tranche
	return &t
}

func (m *AppModel) enterItem() (tea.Model, tea.Cmd) {
	selected := m.itemsList.SelectedItem()
	if selected == nil {
		return m, nil
	}
	it := selected.(itemItem).EnrichedItem
	m.selectedItem = &it
	m.status = "Loading message..."
	return m, m.fetchBodyCmd(it.ID)
}

// Commands

func (m *AppModel) prepareCmd() tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		if _, err := m.sched.Prepare(ctx); err != nil {
			return tranchesLoadedMsg{err: err}
		}
		if err := m.sched.Recover(ctx); err != nil {
			return tranchesLoadedMsg{err: err}
		}
		return m.loadTranches(ctx)
	}
}

func (m *AppModel) loadTranchesCmd() tea.Cmd {
	return func() tea.Msg {
		return m.loadTranches(context.Background())
	}
}

func (m *AppModel) loadTranches(ctx context.Context) tranchesLoadedMsg {
	tranches, total, err := m.deps.Store.Snapshot(ctx)
	return tranchesLoadedMsg{tranches: tranches, total: total, err: err}
}

func (m *AppModel) loadItemsCmd(id int) tea.Cmd {
	return func() tea.Msg {
		t, err := m.deps.Store.Get(context.Background(), id)
		return itemsLoadedMsg{tranche: t, err: err}
	}
}

func (m *AppModel) startCmd(id int) tea.Cmd {
	m.running.Add(1)
	m.status = fmt.Sprintf("Starting tranche %d...", id)
	return func() tea.Msg {
		defer m.running.Done()
		status, err := m.sched.Start(context.Background(), id)
		return harvestDoneMsg{trancheID: id, status: status, err: err}
	}
}

func (m *AppModel) classifyCmd(id int) tea.Cmd {
	if m.deps.Classifier == nil {
		m.status = "No AI provider configured; run sortbox setup"
		return clearStatusAfter(3 * time.Second)
	}
	if m.busy != "" {
		return nil
	}
	m.busy = fmt.Sprintf("Classifying tranche %d", id)
	return func() tea.Msg {
		res, err := classify.Run(context.Background(), m.deps.Store, id, m.deps.Classifier, m.deps.BatchSize, m.deps.Log)
		return actionResultMsg{
			action: "Classify",
			detail: fmt.Sprintf("%d of %d messages", res.Classified, res.Pending),
			err:    err,
		}
	}
}

func (m *AppModel) fileCmd(id int) tea.Cmd {
	if m.busy != "" {
		return nil
	}
	m.busy = fmt.Sprintf("Filing tranche %d", id)
	return func() tea.Msg {
		res, err := classify.File(context.Background(), m.deps.Store, id, m.session, m.deps.Log)
		return actionResultMsg{
			action: "File",
			detail: fmt.Sprintf("%d messages into %d folders", res.Filed, len(res.Folders)),
			err:    err,
		}
	}
}

func (m *AppModel) resetCmd() tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		if err := m.sched.Reset(ctx); err != nil {
			return actionResultMsg{action: "Reset", err: err}
		}
		if m.deps.OnReset != nil {
			if err := m.deps.OnReset(); err != nil {
				return actionResultMsg{action: "Reset", err: err}
			}
		}
		n, err := m.sched.Prepare(ctx)
		return actionResultMsg{action: "Reset", detail: fmt.Sprintf("%d tranches", n), err: err}
	}
}

func (m *AppModel) deleteCmd(id int) tea.Cmd {
	return func() tea.Msg {
		err := m.sched.DeleteTranche(context.Background(), id)
		return actionResultMsg{action: "Delete", detail: fmt.Sprintf("tranche %d", id), err: err}
	}
}

func (m *AppModel) fetchBodyCmd(id string) tea.Cmd {
	return func() tea.Msg {
		body, err := m.session.Body(context.Background(), id)
		return bodyFetchedMsg{body: body, err: err}
	}
}

func clearStatusAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return statusMsg("")
	})
}

// header renders the overall progress bar and ETA.
func (m *AppModel) header() string {
	p := harvest.ComputeProgress(m.tranches, m.total, m.deps.Harvest.SecondsPerItem)
	line := fmt.Sprintf("%s %3d%%  %d/%d  ETA %s",
		m.bar.ViewAs(float64(p.PercentComplete)/100), p.PercentComplete,
		p.TotalFetched, p.TotalItems, formatETA(p.EstimatedRemaining))
	if p.Running != 0 {
		line += fmt.Sprintf("  %s harvesting tranche %d", m.spin.View(), p.Running)
		if m.sched != nil && m.sched.CancelRequested() {
			line += " (stopping)"
		}
	}
	if m.busy != "" {
		line += fmt.Sprintf("  %s %s", m.spin.View(), m.busy)
	}
	return line
}

// View renders the appropriate view based on current state.
func (m *AppModel) View() string {
	// Auth code input
	if m.view == viewAuth {
		return "Please open this URL in your browser to authenticate:\n\n" +
			m.authURL + "\n\n" +
			"The page redirects back here on its own; if it cannot, paste the code.\n\n" +
			m.textInput.View()
	}

	// Error state
	if m.Err != nil {
		return "Error: " + m.Err.Error() + "\n"
	}

	if m.view == viewLoading {
		if m.status != "" {
			return m.spin.View() + " " + m.status + "\n"
		}
		return "Loading...\n"
	}

	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n\n")

	switch m.view {
	case viewTranches:
		b.WriteString(m.tranchesList.View())
		b.WriteString("\n")
		b.WriteString(tranchesFooter())
	case viewConfirmReset:
		b.WriteString("Reset deletes every tranche, every harvested message and the saved login.\n\n")
		b.WriteString("Really reset? (y/N)")
	case viewConfirmDelete:
		fmt.Fprintf(&b, "Delete tranche %d and its harvested messages? (y/N)", m.deleting)
	case viewItems:
		b.WriteString(m.itemsList.View())
		b.WriteString("\n")
		b.WriteString(itemsFooter())
	case viewBody:
		b.WriteString(m.bodyViewport.View())
		b.WriteString("\n")
		b.WriteString(bodyFooter(m.selectedItem != nil && m.session.WebURL(m.selectedItem.ID) != ""))
	}

	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(m.status)
	}

	return b.String()
}
