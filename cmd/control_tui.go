// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Thermoquad/mttr/pkg/device"
	"github.com/Thermoquad/mttr/pkg/schema"
	"github.com/Thermoquad/mttr/pkg/session"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	velocityStep     = 10
	velocityBigStep  = 100
	sliderWidth      = 30
	deviceListWidth  = 30
	maxLogEntries    = 100
	visibleLogLines  = 6
	minVisibleFields = 5
)

// Focus states
const (
	focusScanForm = iota
	focusDeviceList
	focusTable
	focusVelocity
)

// Scan form fields
const (
	formPort = iota
	formProtocol
	formBaud
	formIDStart
	formIDEnd
	formFieldCount
)

var protocols = []device.Protocol{device.Protocol1, device.Protocol2}

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// deviceItem is a discovered servo in the device list
type deviceItem struct {
	identity device.Identity
	model    *schema.Model
}

// Implement list.Item interface
func (d deviceItem) Title() string { return fmt.Sprintf("Servo %d", d.identity.ID) }
func (d deviceItem) Description() string {
	switch {
	case d.model != nil:
		return fmt.Sprintf("%s (%d)", d.model.Name, d.identity.ModelNumber)
	case d.identity.ModelNumber == 0:
		return "unknown model"
	default:
		return fmt.Sprintf("model %d (no schema)", d.identity.ModelNumber)
	}
}
func (d deviceItem) FilterValue() string { return strconv.Itoa(int(d.identity.ID)) }

type logEntry struct {
	timestamp time.Time
	message   string
	level     session.Level
}

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	cm   *connectionManager
	conn *Connection
	sess *session.Session

	// Scan form
	ports        []string
	portInput    textinput.Model
	idStartInput textinput.Model
	idEndInput   textinput.Model
	protocolIdx  int
	baudIdx      int
	formField    int

	// Discovered servos
	devices    []device.Identity
	deviceList list.Model

	// Control table
	model       *schema.Model
	tableCursor int
	tableOffset int
	editing     bool
	editAddr    uint16
	editInput   textinput.Model
	editError   string

	spinner  spinner.Model
	eventLog []logEntry

	focusedField   int
	width          int
	height         int
	quitting       bool
	connectionLost bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

// sessionChangedMsg is sent when a session signals a state change
type sessionChangedMsg struct {
	sess *session.Session
}

type notificationMsg session.Notification

type portsMsg struct {
	sess  *session.Session
	ports []string
	err   error
}

// opResultMsg carries the outcome of an asynchronous session operation
type opResultMsg struct {
	op  string
	err error
}

type connectionLostMsg struct{}

type reconnectedMsg struct {
	conn *Connection
	sess *session.Session
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(cm *connectionManager, conn *Connection, sess *session.Session) controlModel {
	portInput := textinput.New()
	portInput.Placeholder = "/dev/ttyUSB0"
	portInput.CharLimit = 64
	portInput.Width = 24
	portInput.SetValue(cfg.Scan.Port)
	portInput.Focus()

	idStartInput := textinput.New()
	idStartInput.CharLimit = 3
	idStartInput.Width = 4
	idStartInput.SetValue(strconv.Itoa(cfg.Scan.IDStart))

	idEndInput := textinput.New()
	idEndInput.CharLimit = 3
	idEndInput.Width = 4
	idEndInput.SetValue(strconv.Itoa(cfg.Scan.IDEnd))

	editInput := textinput.New()
	editInput.CharLimit = 20
	editInput.Width = 12

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	deviceList := list.New([]list.Item{}, delegate, deviceListWidth-2, 10)
	deviceList.Title = "Servos"
	deviceList.SetShowStatusBar(false)
	deviceList.SetShowHelp(false)
	deviceList.SetFilteringEnabled(false)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))

	protocol, _ := device.ParseProtocol(cfg.Scan.Protocol)
	protocolIdx := slices.Index(protocols, protocol)
	if protocolIdx < 0 {
		protocolIdx = len(protocols) - 1
	}
	baudIdx := slices.Index(device.BaudRates, cfg.Scan.BaudRate)
	if baudIdx < 0 {
		baudIdx = slices.Index(device.BaudRates, device.DefaultBaudRate)
	}

	return controlModel{
		cm:           cm,
		conn:         conn,
		sess:         sess,
		portInput:    portInput,
		idStartInput: idStartInput,
		idEndInput:   idEndInput,
		protocolIdx:  protocolIdx,
		baudIdx:      baudIdx,
		deviceList:   deviceList,
		editInput:    editInput,
		spinner:      sp,
		focusedField: focusScanForm,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return tea.Batch(
		controlTickCmd(),
		waitForChange(m.sess),
		waitForNotification(m.cm.notes),
		listPortsCmd(m.sess),
		m.spinner.Tick,
		textinput.Blink,
	)
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func waitForChange(sess *session.Session) tea.Cmd {
	return func() tea.Msg {
		<-sess.Changes()
		return sessionChangedMsg{sess: sess}
	}
}

func waitForNotification(notes <-chan session.Notification) tea.Cmd {
	return func() tea.Msg {
		return notificationMsg(<-notes)
	}
}

func listPortsCmd(sess *session.Session) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ports, err := sess.ListPorts(ctx)
		return portsMsg{sess: sess, ports: ports, err: err}
	}
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case controlTickMsg:
		return m, controlTickCmd()

	case sessionChangedMsg:
		// changes from a session replaced by a reconnect are dropped
		if msg.sess != m.sess {
			return m, nil
		}
		m.syncFromSession()
		return m, waitForChange(m.sess)

	case notificationMsg:
		m.addLogEntry(msg.Message, msg.Level)
		return m, waitForNotification(m.cm.notes)

	case portsMsg:
		if msg.sess != m.sess || msg.err != nil {
			return m, nil
		}
		m.ports = msg.ports
		if m.portInput.Value() == "" && len(m.ports) > 0 {
			m.portInput.SetValue(m.ports[0])
		}

	case opResultMsg:
		if msg.err != nil && !alreadyNotified(msg.err) {
			m.addLogEntry(fmt.Sprintf("%s: %v", msg.op, msg.err), session.LevelError)
		}

	case connectionLostMsg:
		m.connectionLost = true
		m.addLogEntry("Connection lost - reconnecting...", session.LevelError)

	case reconnectedMsg:
		m.connectionLost = false
		m.conn = msg.conn
		m.sess = msg.sess
		m.resetView()
		m.addLogEntry("Reconnected - scan again to continue", session.LevelSuccess)
		return m, tea.Batch(waitForChange(m.sess), listPortsCmd(m.sess))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// alreadyNotified reports whether the session has already surfaced err
// through the notifier
func alreadyNotified(err error) bool {
	var te *device.TransportError
	return errors.As(err, &te) ||
		errors.Is(err, session.ErrScanFailed) ||
		errors.Is(err, session.ErrReadFailed) ||
		errors.Is(err, session.ErrWriteFailed)
}

//////////////////////////////////////////////////////////////
// Key Handling
//////////////////////////////////////////////////////////////

func (m *controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab":
		return m.cycleFocus(1), nil

	case "shift+tab":
		return m.cycleFocus(-1), nil

	case "q":
		if !m.typing() {
			m.quitting = true
			return m, tea.Quit
		}
	}

	switch m.focusedField {
	case focusScanForm:
		return m.handleFormKey(msg)
	case focusDeviceList:
		return m.handleDeviceListKey(msg)
	case focusTable:
		if m.editing {
			return m.handleEditKey(msg)
		}
		return m.handleTableKey(msg)
	case focusVelocity:
		return m.handleVelocityKey(msg)
	}
	return m, nil
}

// typing reports whether keys go to a text input
func (m *controlModel) typing() bool {
	switch m.focusedField {
	case focusScanForm:
		return m.formField == formPort || m.formField == formIDStart || m.formField == formIDEnd
	case focusTable:
		return m.editing
	}
	return false
}

func (m *controlModel) cycleFocus(delta int) *controlModel {
	const focusCount = focusVelocity + 1
	for range focusCount {
		m.focusedField = (m.focusedField + delta + focusCount) % focusCount
		if m.focusable(m.focusedField) {
			break
		}
	}
	m.updateInputFocus()
	return m
}

func (m *controlModel) focusable(focus int) bool {
	switch focus {
	case focusDeviceList:
		return len(m.devices) > 0
	case focusTable:
		return m.model != nil
	case focusVelocity:
		return m.sess.Velocity() != nil
	}
	return true
}

func (m *controlModel) updateInputFocus() {
	inputs := map[int]*textinput.Model{
		formPort:    &m.portInput,
		formIDStart: &m.idStartInput,
		formIDEnd:   &m.idEndInput,
	}
	for field, input := range inputs {
		if m.focusedField == focusScanForm && m.formField == field {
			input.Focus()
		} else {
			input.Blur()
		}
	}
	if m.focusedField == focusTable && m.editing {
		m.editInput.Focus()
	} else {
		m.editInput.Blur()
	}
}

func (m *controlModel) handleFormKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up":
		m.formField = (m.formField + formFieldCount - 1) % formFieldCount
		m.updateInputFocus()
		return m, nil

	case "down":
		m.formField = (m.formField + 1) % formFieldCount
		m.updateInputFocus()
		return m, nil

	case "left", "right":
		delta := 1
		if msg.String() == "left" {
			delta = -1
		}
		switch m.formField {
		case formProtocol:
			m.protocolIdx = (m.protocolIdx + delta + len(protocols)) % len(protocols)
			return m, nil
		case formBaud:
			m.baudIdx = (m.baudIdx + delta + len(device.BaudRates)) % len(device.BaudRates)
			return m, nil
		case formPort:
			if len(m.ports) > 0 {
				i := slices.Index(m.ports, m.portInput.Value())
				m.portInput.SetValue(m.ports[(i+delta+len(m.ports))%len(m.ports)])
				return m, nil
			}
		}

	case "enter":
		return m.startScan()

	case "esc":
		if m.sess.Scans().Running() {
			sess := m.sess
			return m, func() tea.Msg {
				return opResultMsg{op: "Cancel scan", err: sess.CancelScan(context.Background())}
			}
		}
		return m, nil
	}

	var cmd tea.Cmd
	switch m.formField {
	case formPort:
		m.portInput, cmd = m.portInput.Update(msg)
	case formIDStart:
		m.idStartInput, cmd = m.idStartInput.Update(msg)
	case formIDEnd:
		m.idEndInput, cmd = m.idEndInput.Update(msg)
	}
	return m, cmd
}

func (m *controlModel) startScan() (tea.Model, tea.Cmd) {
	if m.connectionLost {
		m.addLogEntry("Cannot scan: connection lost", session.LevelError)
		return m, nil
	}
	if m.sess.Scans().Running() {
		return m, nil
	}

	idStart, err1 := strconv.ParseUint(strings.TrimSpace(m.idStartInput.Value()), 10, 8)
	idEnd, err2 := strconv.ParseUint(strings.TrimSpace(m.idEndInput.Value()), 10, 8)
	if err := errors.Join(err1, err2); err != nil {
		m.addLogEntry("ID range must be numbers between 0 and 252", session.LevelError)
		return m, nil
	}

	req := device.ScanRequest{
		Port:     strings.TrimSpace(m.portInput.Value()),
		Protocol: protocols[m.protocolIdx],
		BaudRate: device.BaudRates[m.baudIdx],
		IDStart:  uint8(idStart),
		IDEnd:    uint8(idEnd),
	}
	m.addLogEntry(fmt.Sprintf("Scanning %s for ids %d-%d", req.Config(), req.IDStart, req.IDEnd), session.LevelInfo)

	sess := m.sess
	return m, func() tea.Msg {
		// the scan outlives this command, so it must not inherit a deadline
		_, err := sess.StartScan(context.Background(), req)
		return opResultMsg{op: "Scan", err: err}
	}
}

func (m *controlModel) handleDeviceListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		item, ok := m.deviceList.SelectedItem().(deviceItem)
		if !ok {
			return m, nil
		}
		id := item.identity.ID
		sess := m.sess
		m.focusedField = focusTable
		m.updateInputFocus()
		return m, func() tea.Msg {
			_, err := sess.Select(context.Background(), id)
			return opResultMsg{op: fmt.Sprintf("Select servo %d", id), err: err}
		}

	case "r":
		return m, m.refresh()
	}

	var cmd tea.Cmd
	m.deviceList, cmd = m.deviceList.Update(msg)
	return m, cmd
}

func (m *controlModel) handleTableKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.model == nil {
		return m, nil
	}
	rows := len(m.model.Fields)
	page := m.visibleFields()

	switch msg.String() {
	case "up", "k":
		m.tableCursor--
	case "down", "j":
		m.tableCursor++
	case "pgup":
		m.tableCursor -= page
	case "pgdown":
		m.tableCursor += page
	case "home", "g":
		m.tableCursor = 0
	case "end", "G":
		m.tableCursor = rows - 1
	case "r":
		return m, m.refresh()
	case "enter":
		f := &m.model.Fields[m.tableCursor]
		if err := m.sess.Writes().BeginEdit(f.Address); err != nil {
			m.addLogEntry(fmt.Sprintf("Cannot edit %s: %v", f.Name, err), session.LevelError)
			return m, nil
		}
		draft, _ := m.sess.Writes().Draft(f.Address)
		m.editing = true
		m.editAddr = f.Address
		m.editError = ""
		m.editInput.SetValue(draft)
		m.editInput.CursorEnd()
		m.updateInputFocus()
		return m, textinput.Blink
	}

	m.tableCursor = max(0, min(m.tableCursor, rows-1))
	m.scrollTable()
	return m, nil
}

func (m *controlModel) handleEditKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	w := m.sess.Writes()
	if w.State(m.editAddr) == session.Writing {
		return m, nil
	}

	switch msg.String() {
	case "esc":
		if err := w.CancelEdit(m.editAddr); err != nil {
			m.addLogEntry(fmt.Sprintf("Cannot cancel edit: %v", err), session.LevelError)
			return m, nil
		}
		m.stopEditing()
		return m, nil

	case "enter":
		if _, err := w.Validate(m.editAddr, m.editInput.Value()); err != nil {
			m.editError = err.Error()
			return m, nil
		}
		addr := m.editAddr
		name := m.fieldName(addr)
		return m, func() tea.Msg {
			return opResultMsg{op: "Write " + name, err: w.CommitDraft(context.Background(), addr)}
		}
	}

	var cmd tea.Cmd
	m.editInput, cmd = m.editInput.Update(msg)
	if err := w.SetDraft(m.editAddr, m.editInput.Value()); err != nil {
		m.stopEditing()
		return m, cmd
	}
	m.editError = ""
	if _, err := w.Validate(m.editAddr, m.editInput.Value()); err != nil {
		m.editError = err.Error()
	}
	return m, cmd
}

func (m *controlModel) handleVelocityKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	vel := m.sess.Velocity()
	if vel == nil {
		return m, nil
	}

	switch msg.String() {
	case "left", "h":
		vel.Drag(vel.Draft() - velocityStep)
	case "right", "l":
		vel.Drag(vel.Draft() + velocityStep)
	case "shift+left", "H":
		vel.Drag(vel.Draft() - velocityBigStep)
	case "shift+right", "L":
		vel.Drag(vel.Draft() + velocityBigStep)
	case "enter":
		return m, func() tea.Msg {
			return opResultMsg{op: "Set " + vel.Field().Name, err: vel.Release(context.Background())}
		}
	case "s", " ":
		return m, func() tea.Msg {
			return opResultMsg{op: "Stop", err: vel.Stop(context.Background())}
		}
	}
	return m, nil
}

func (m *controlModel) refresh() tea.Cmd {
	sess := m.sess
	return func() tea.Msg {
		_, err := sess.Refresh(context.Background())
		return opResultMsg{op: "Refresh", err: err}
	}
}

//////////////////////////////////////////////////////////////
// Session Sync
//////////////////////////////////////////////////////////////

// syncFromSession pulls device, model and edit state from the session
func (m *controlModel) syncFromSession() {
	if devices := m.sess.Devices(); !slices.Equal(devices, m.devices) {
		m.devices = devices
		m.updateDeviceList()
		if len(devices) > 0 && m.focusedField == focusScanForm && !m.sess.Scans().Running() {
			m.focusedField = focusDeviceList
			m.updateInputFocus()
		}
	}

	if model := m.sess.Model(); model != m.model {
		m.model = model
		m.tableCursor = 0
		m.tableOffset = 0
		m.stopEditing()
	}

	if vel := m.sess.Velocity(); vel != nil {
		vel.Sync()
	}

	// a commit or a rescan closes the edit
	if m.editing && m.sess.Writes().State(m.editAddr) == session.Clean {
		m.stopEditing()
	}

	if !m.focusable(m.focusedField) {
		m.focusedField = focusScanForm
		m.updateInputFocus()
	}
}

func (m *controlModel) stopEditing() {
	m.editing = false
	m.editError = ""
	m.editInput.SetValue("")
	m.editInput.Blur()
}

// resetView drops everything tied to the previous session
func (m *controlModel) resetView() {
	m.devices = nil
	m.model = nil
	m.tableCursor = 0
	m.tableOffset = 0
	m.stopEditing()
	m.updateDeviceList()
	m.focusedField = focusScanForm
	m.updateInputFocus()
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

type controlStyles struct {
	title, header, label, value, err, warning, success lipgloss.Style
	box, focusedBox, cursor                            lipgloss.Style
}

func newControlStyles() controlStyles {
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	return controlStyles{
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1),
		header:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		label:      lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		value:      lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		err:        lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		warning:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		success:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		box:        box,
		focusedBox: box.BorderForeground(lipgloss.Color("12")),
		cursor:     lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("12")),
	}
}

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}
	st := newControlStyles()

	var s strings.Builder
	s.WriteString(st.title.Render("MTTR CONTROL"))
	s.WriteString(" ")
	connStatus := m.conn.Info
	if m.connectionLost {
		connStatus = st.warning.Render("RECONNECTING...")
	}
	s.WriteString(st.header.Render(fmt.Sprintf("| %s | q=quit Tab=switch", connStatus)))
	s.WriteString("\n\n")

	s.WriteString(m.renderScanPanel(st))
	s.WriteString("\n")

	left := m.boxFor(st, focusDeviceList).Width(deviceListWidth).Render(m.renderDeviceList(st))
	right := m.renderDevicePanel(st)
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, right))
	s.WriteString("\n")

	s.WriteString(m.renderStatisticsBar(st))
	s.WriteString("\n")
	s.WriteString(m.renderEventLog(st))

	return s.String()
}

func (m controlModel) boxFor(st controlStyles, focus int) lipgloss.Style {
	if m.focusedField == focus {
		return st.focusedBox
	}
	return st.box
}

func (m controlModel) panelWidth() int {
	return max(m.width-4, 40)
}

func (m controlModel) renderScanPanel(st controlStyles) string {
	var s strings.Builder
	s.WriteString(st.label.Render("SCAN"))
	s.WriteString("  ")

	fields := []struct {
		field int
		label string
		view  string
	}{
		{formPort, "Port", m.portInput.View()},
		{formProtocol, "Protocol", fmt.Sprintf("< %s >", protocols[m.protocolIdx])},
		{formBaud, "Baud", fmt.Sprintf("< %d >", device.BaudRates[m.baudIdx])},
		{formIDStart, "IDs", m.idStartInput.View()},
		{formIDEnd, "-", m.idEndInput.View()},
	}
	for _, f := range fields {
		label := f.label
		if m.focusedField == focusScanForm && m.formField == f.field {
			label = st.cursor.Render(label)
		} else {
			label = st.header.Render(label)
		}
		fmt.Fprintf(&s, "%s %s  ", label, f.view)
	}
	s.WriteString("\n")

	snap := m.sess.Scans().Snapshot()
	switch {
	case snap.Running:
		status := fmt.Sprintf("%s Scanning %s", m.spinner.View(), snap.Request.Port)
		if snap.HasProgress {
			status += fmt.Sprintf(" %3d%% (id %d)", snap.Progress.Percent(snap.Request.IDStart), snap.Progress.Current)
		}
		status += fmt.Sprintf(" - %d found  %s", len(snap.Results), st.header.Render("esc=cancel"))
		s.WriteString(status)
	case snap.Err != nil:
		s.WriteString(st.err.Render(fmt.Sprintf("Scan failed: %v", snap.Err)))
	case snap.Finished && snap.Cancelled:
		s.WriteString(st.warning.Render(fmt.Sprintf("Scan cancelled, %d servo(s) found", len(snap.Results))))
	case snap.Finished:
		s.WriteString(st.success.Render(fmt.Sprintf("Found %d servo(s)", len(snap.Results))))
	default:
		s.WriteString(st.header.Render("enter=scan  up/down=field  left/right=choose"))
	}

	return m.boxFor(st, focusScanForm).Width(m.panelWidth()).Render(s.String())
}

func (m controlModel) renderDeviceList(st controlStyles) string {
	if len(m.devices) == 0 {
		return st.label.Render("Servos") + "\n" + st.header.Render("(none - run a scan)")
	}
	return m.deviceList.View()
}

func (m controlModel) renderDevicePanel(st controlStyles) string {
	width := max(m.panelWidth()-deviceListWidth-4, 30)

	var s strings.Builder
	active, ok := m.sess.Active()
	switch {
	case !ok:
		s.WriteString(st.header.Render("No servo selected"))
		return m.boxFor(st, focusTable).Width(width).Render(s.String())
	case m.model == nil:
		fmt.Fprintf(&s, "%s %d\n", st.label.Render("Servo"), active.ID)
		s.WriteString(st.warning.Render(fmt.Sprintf("No control table known for model %d", active.ModelNumber)))
		return m.boxFor(st, focusTable).Width(width).Render(s.String())
	}

	fmt.Fprintf(&s, "%s %s  %s %s",
		st.label.Render("Servo"), st.value.Render(strconv.Itoa(int(active.ID))),
		st.label.Render("Model"), st.value.Render(m.model.Name))
	if cfg, ok := m.sess.Config(); ok {
		fmt.Fprintf(&s, "  %s", st.header.Render(cfg.String()))
	}
	s.WriteString("\n")
	switch reads := m.sess.Reads(); {
	case reads.Loading():
		fmt.Fprintf(&s, "%s Loading control table...\n", m.spinner.View())
	case reads.Err() != nil:
		s.WriteString(st.err.Render(fmt.Sprintf("Read failed: %v", reads.Err())) + "\n")
	}
	s.WriteString(m.renderControlTable(st))
	table := m.boxFor(st, focusTable).Width(width).Render(s.String())

	vel := m.sess.Velocity()
	if vel == nil {
		return table
	}
	slider := m.boxFor(st, focusVelocity).Width(width).Render(m.renderVelocity(st, vel))
	return lipgloss.JoinVertical(lipgloss.Left, table, slider)
}

func (m controlModel) renderControlTable(st controlStyles) string {
	var s strings.Builder
	fmt.Fprintf(&s, "%s\n", st.header.Render(fmt.Sprintf("%-5s %-26s %-3s %s", "ADDR", "NAME", "ACC", "VALUE")))

	w := m.sess.Writes()
	end := min(m.tableOffset+m.visibleFields(), len(m.model.Fields))
	for i := m.tableOffset; i < end; i++ {
		f := &m.model.Fields[i]
		state, _ := m.sess.Cache().Get(f.Address)

		var value string
		switch {
		case w.State(f.Address) == session.Writing:
			value = m.spinner.View() + " writing..."
		case m.editing && f.Address == m.editAddr:
			value = m.editInput.View()
			if m.editError != "" {
				value += " " + st.err.Render(m.editError)
			}
		case state.Failed():
			value = st.err.Render(state.String())
		default:
			value = formatFieldState(f, state)
		}

		row := fmt.Sprintf("%-5d %-26s %-3s ", f.Address, truncate(f.Name, 26), f.Access)
		if i == m.tableCursor && m.focusedField == focusTable {
			row = st.cursor.Render(row)
		}
		s.WriteString(row + value + "\n")
	}
	if len(m.model.Fields) > end || m.tableOffset > 0 {
		s.WriteString(st.header.Render(fmt.Sprintf("%d-%d of %d  enter=edit esc=cancel r=refresh",
			m.tableOffset+1, end, len(m.model.Fields))))
	}
	return s.String()
}

func (m controlModel) renderVelocity(st controlStyles, vel *session.ContinuousControl) string {
	var s strings.Builder
	f := vel.Field()
	fmt.Fprintf(&s, "%s %s", st.label.Render(strings.ToUpper(f.Name)), st.value.Render(vel.Display()))
	switch {
	case vel.Writing():
		fmt.Fprintf(&s, " %s", m.spinner.View())
	case vel.Dragging():
		s.WriteString(st.warning.Render(" (enter to apply)"))
	}
	s.WriteString("\n")

	if lo, hi, ok := f.Bounds(); ok && hi > lo {
		pos := sliderPosition(vel.Draft(), lo, hi)
		committed := sliderPosition(vel.Committed(), lo, hi)
		bar := []rune(strings.Repeat("─", sliderWidth))
		bar[committed] = '┼'
		bar[pos] = '●'
		fmt.Fprintf(&s, "%d %s %d\n", lo, string(bar), hi)
	}
	s.WriteString(st.header.Render("left/right=adjust shift=x10 enter=apply s=stop"))
	return s.String()
}

func (m controlModel) renderStatisticsBar(st controlStyles) string {
	stats := m.conn.Stats()
	if stats == nil {
		return st.box.Width(m.panelWidth()).Render(st.header.Render("Simulated bus - no link statistics"))
	}
	snap := stats.Snapshot()

	var errorPercent float64
	if total := snap.Total(); total > 0 {
		errorPercent = float64(snap.Errors()) * 100.0 / float64(total)
	}
	errText := st.value.Render("0.0%")
	if errorPercent > 0 {
		errText = st.err.Render(fmt.Sprintf("%.1f%%", errorPercent))
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		st.label.Render("Sent:"), st.value.Render(strconv.FormatUint(snap.FramesSent, 10)),
		st.label.Render("Received:"), st.value.Render(strconv.FormatUint(snap.FramesReceived, 10)),
		st.label.Render("Errors:"), errText,
		st.label.Render("Rate:"), st.value.Render(fmt.Sprintf("%.1f frames/s", snap.FrameRate)),
	)
	return st.box.Width(m.panelWidth()).Render(content)
}

func (m controlModel) renderEventLog(st controlStyles) string {
	var s strings.Builder
	s.WriteString(st.label.Render("EVENTS"))
	s.WriteString("\n")

	if len(m.eventLog) == 0 {
		s.WriteString(st.header.Render("  (no events yet)"))
		return st.box.Width(m.panelWidth()).Render(s.String())
	}

	for _, entry := range m.eventLog[max(0, len(m.eventLog)-visibleLogLines):] {
		icon, style := "i", st.warning
		switch entry.level {
		case session.LevelError:
			icon, style = "x", st.err
		case session.LevelSuccess:
			icon, style = "+", st.success
		}
		fmt.Fprintf(&s, "%s %s %s\n",
			st.header.Render(entry.timestamp.Format("15:04:05.000")),
			style.Render(icon),
			entry.message)
	}
	return st.box.Width(m.panelWidth()).Render(strings.TrimSuffix(s.String(), "\n"))
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *controlModel) addLogEntry(message string, level session.Level) {
	m.eventLog = append(m.eventLog, logEntry{
		timestamp: time.Now(),
		message:   message,
		level:     level,
	})
	if len(m.eventLog) > maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-maxLogEntries:]
	}
}

func (m *controlModel) fieldName(addr uint16) string {
	if m.model != nil {
		if f, ok := m.model.Field(addr); ok {
			return f.Name
		}
	}
	return fmt.Sprintf("address %d", addr)
}

func (m *controlModel) updateDeviceList() {
	items := make([]list.Item, len(m.devices))
	for i, d := range m.devices {
		model, _ := m.conn.Registry.Lookup(d.ModelNumber)
		items[i] = deviceItem{identity: d, model: model}
	}
	m.deviceList.SetItems(items)
}

func (m *controlModel) updateListSize() {
	m.deviceList.SetSize(deviceListWidth-2, max(m.height/3, 5))
}

// visibleFields is the number of control table rows that fit on screen
func (m controlModel) visibleFields() int {
	// header, scan panel, stats bar and event log take roughly 24 lines
	return max(m.height-24, minVisibleFields)
}

func (m *controlModel) scrollTable() {
	page := m.visibleFields()
	if m.tableCursor < m.tableOffset {
		m.tableOffset = m.tableCursor
	}
	if m.tableCursor >= m.tableOffset+page {
		m.tableOffset = m.tableCursor - page + 1
	}
}

// sliderPosition maps v within [lo, hi] onto a slider cell
func sliderPosition(v, lo, hi int64) int {
	v = max(lo, min(v, hi))
	return int((v - lo) * int64(sliderWidth-1) / (hi - lo))
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
