// Package dispatch implements spec §4.D's IPP operation dispatcher: a
// table mapping each supported operation to a handler that extracts and
// validates its attributes, resolves the target resource and its
// effective policy, evaluates that policy against the requesting
// principal, invokes the corresponding Scheduler operation, and builds
// a typed Response. It never touches the wire format itself — decoding
// and encoding belong to the (out-of-scope) transport — so every
// Handler here consumes and produces internal/ipp's already-decoded
// shapes. The resolve-then-authorize-then-invoke call pattern is lifted
// from server/authz's single gate and generalized into a full
// per-operation table.
package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/printcore/schedulerd/internal/attr"
	"github.com/printcore/schedulerd/internal/event"
	"github.com/printcore/schedulerd/internal/ipp"
	"github.com/printcore/schedulerd/internal/job"
	"github.com/printcore/schedulerd/internal/policy"
	"github.com/printcore/schedulerd/internal/printer"
	"github.com/printcore/schedulerd/internal/schederr"
	"github.com/printcore/schedulerd/internal/scheduler"
	"github.com/printcore/schedulerd/internal/subscription"
)

// Handler implements one operation's five-step contract (spec §4.D).
// principal is the already-authenticated requesting-user-name; this
// package performs no authentication of its own (spec Non-goals).
type Handler func(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response

// Table maps every operation code this scheduler accepts to its
// handler. Operations outside this map are rejected as not-possible by
// Dispatch rather than by individual handlers.
var Table = map[ipp.Op]Handler{
	ipp.OpPrintJob:                handlePrintJob,
	ipp.OpPrintURI:                handlePrintURI,
	ipp.OpValidateJob:             handleValidateJob,
	ipp.OpCreateJob:               handleCreateJob,
	ipp.OpSendDocument:            handleSendDocument,
	ipp.OpSendURI:                 handleSendURI,
	ipp.OpCancelJob:               handleCancelJob,
	ipp.OpGetJobAttributes:        handleGetJobAttributes,
	ipp.OpGetJobs:                 handleGetJobs,
	ipp.OpGetPrinterAttributes:    handleGetPrinterAttributes,
	ipp.OpHoldJob:                 handleHoldJob,
	ipp.OpReleaseJob:              handleReleaseJob,
	ipp.OpRestartJob:              handleRestartJob,
	ipp.OpSetJobAttributes:        handleSetJobAttributes,
	ipp.OpCreatePrinterSubscriptions: handleCreatePrinterSubscription,
	ipp.OpCreateJobSubscriptions:     handleCreateJobSubscription,
	ipp.OpGetSubscriptions:        handleGetSubscriptions,
	ipp.OpRenewSubscription:       handleRenewSubscription,
	ipp.OpCancelSubscription:      handleCancelSubscription,
	ipp.OpGetNotifications:       handleGetNotifications,
	ipp.OpPausePrinter:           handlePausePrinter,
	ipp.OpResumePrinter:          handleResumePrinter,
	ipp.OpPurgeJobs:              handlePurgeJobs,
	ipp.OpSetPrinterAttributes:   handleSetPrinterAttributes,
	ipp.OpCupsAddModifyPrinter:   handleCupsAddModifyPrinter,
	ipp.OpCupsDeletePrinter:      handleCupsDeletePrinter,
	ipp.OpCupsAddModifyClass:     handleCupsAddModifyClass,
	ipp.OpCupsDeleteClass:        handleCupsDeleteClass,
	ipp.OpCupsGetPrinters:        handleCupsGetPrinters,
	ipp.OpCupsGetClasses:         handleCupsGetClasses,
	ipp.OpCupsGetDevices:         handleCupsGetDevices,
	ipp.OpCupsGetPPDs:            handleCupsGetPPDs,
	ipp.OpCupsMoveJob:            handleCupsMoveJob,
	ipp.OpCupsAuthenticateJob:    handleCupsAuthenticateJob,
}

// Dispatch looks up req's operation and invokes its handler.
func Dispatch(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	h, ok := Table[req.Op]
	if !ok {
		return ipp.Error(ipp.StatusErrorNotPossible, fmt.Sprintf("unsupported operation %s", req.Op))
	}
	return h(s, principal, req)
}

// errResponse converts a scheduler/job/printer error into its IPP
// status per schederr's Kind->Status table (spec §7).
func errResponse(err error) ipp.Response {
	return ipp.Error(schederr.KindOf(err).Status(), err.Error())
}

// destName extracts the target printer or class name from an
// operation's attributes. Since the wire codec (out of scope) is
// expected to decode printer-uri into the same short name CUPS clients
// commonly also send as printer-name, this prefers printer-name and
// falls back to the last path segment of printer-uri.
func destName(attrs attr.Group) (string, error) {
	if n := attrs.OptStr("printer-name", ""); n != "" {
		return n, nil
	}
	for _, uriAttr := range []string{"printer-uri", "job-printer-uri"} {
		if u := attrs.OptStr(uriAttr, ""); u != "" {
			parts := strings.Split(strings.TrimRight(u, "/"), "/")
			if last := parts[len(parts)-1]; last != "" {
				return last, nil
			}
		}
	}
	return "", fmt.Errorf("attr: missing required attribute %q or %q", "printer-name", "printer-uri")
}

// opPolicyFor returns the effective operation policy name for dest
// (empty string if dest names neither a printer nor a class, which lets
// EvaluatePolicy fall through to the server default).
func opPolicyFor(s *scheduler.Scheduler, dest string) string {
	if p, ok := s.Registry.FindPrinter(dest); ok {
		return p.OpPolicy
	}
	if c, ok := s.Registry.FindClass(dest); ok {
		return c.OpPolicy
	}
	return ""
}

// checkPolicy evaluates op against dest's policy for principal/owner,
// returning a forbidden Response (ok=false) if denied.
func checkPolicy(s *scheduler.Scheduler, opc ipp.Op, dest, principal, owner string) (ipp.Response, bool) {
	switch s.EvaluatePolicy(opc, opPolicyFor(s, dest), principal, owner) {
	case policy.Deny:
		return ipp.Error(ipp.StatusErrorForbidden, fmt.Sprintf("operation %s not permitted for %q", opc, principal)), false
	case policy.AuthRequired:
		return ipp.Error(ipp.StatusErrorNotAuthenticated, fmt.Sprintf("operation %s requires authentication", opc)), false
	default:
		return ipp.Response{}, true
	}
}

// jobStateCode maps a job.State onto its RFC 8011 job-state enum value,
// the same numbering goipp and every IPP client expect.
func jobStateCode(st job.State) int32 {
	switch st {
	case job.StatePending:
		return 3
	case job.StateHeld, job.StatePendingHeld:
		return 4
	case job.StateProcessing:
		return 5
	case job.StateStopped:
		return 6
	case job.StateCanceled:
		return 7
	case job.StateAborted:
		return 8
	case job.StateCompleted:
		return 9
	default:
		return 3
	}
}

func buildJobGroup(j *job.Job) attr.Group {
	var g attr.Group
	g.Set("job-id", attr.Integer(int32(j.ID)))
	g.Set("job-uri", attr.URI(fmt.Sprintf("ipp://localhost/jobs/%d", j.ID)))
	g.Set("job-printer-uri", attr.URI(fmt.Sprintf("ipp://localhost/printers/%s", j.Dest)))
	g.Set("job-originating-user-name", attr.Name(j.Owner))
	g.Set("job-name", attr.Name(j.Attrs.OptStr("job-name", fmt.Sprintf("job-%d", j.ID))))
	g.Set("job-state", attr.Enum(jobStateCode(j.State)))
	if len(j.StateReasons) == 0 {
		g.SetMulti("job-state-reasons", attr.Keyword("none"))
	} else {
		vs := make([]attr.Value, len(j.StateReasons))
		for i, r := range j.StateReasons {
			vs[i] = attr.Keyword(r)
		}
		g.SetMulti("job-state-reasons", vs...)
	}
	g.Set("job-priority", attr.Integer(int32(j.Priority)))
	g.Set("job-k-octets", attr.Integer(int32(j.Cost)))
	if !j.HoldUntil.IsZero() {
		g.Set("job-hold-until-time", attr.DateTime(j.HoldUntil))
	}
	return g
}

func printerStateCode(st printer.State) int32 {
	switch st {
	case printer.StateIdle:
		return 3
	case printer.StateProcessing:
		return 4
	case printer.StateStopped:
		return 5
	default:
		return 3
	}
}

func buildPrinterGroup(p *printer.Printer) attr.Group {
	var g attr.Group
	g.Set("printer-name", attr.Name(p.Name))
	g.Set("printer-uri-supported", attr.URI(fmt.Sprintf("ipp://localhost/printers/%s", p.Name)))
	g.Set("device-uri", attr.URI(p.DeviceURI))
	g.Set("printer-state", attr.Enum(printerStateCode(p.State)))
	if len(p.StateReasons) == 0 {
		g.SetMulti("printer-state-reasons", attr.Keyword("none"))
	} else {
		vs := make([]attr.Value, len(p.StateReasons))
		for i, r := range p.StateReasons {
			vs[i] = attr.Keyword(r)
		}
		g.SetMulti("printer-state-reasons", vs...)
	}
	g.Set("printer-is-accepting-jobs", attr.Boolean(p.AcceptingJobs))
	g.Set("printer-is-shared", attr.Boolean(p.Shared))
	if len(p.MIMETypes) > 0 {
		vs := make([]attr.Value, len(p.MIMETypes))
		for i, m := range p.MIMETypes {
			vs[i] = attr.MimeType(m)
		}
		g.SetMulti("document-format-supported", vs...)
	}
	return g
}

func buildClassGroup(c *printer.Class) attr.Group {
	var g attr.Group
	g.Set("printer-name", attr.Name(c.Name))
	g.Set("printer-uri-supported", attr.URI(fmt.Sprintf("ipp://localhost/classes/%s", c.Name)))
	g.Set("printer-type", attr.Enum(0x0001)) // CUPS_PRINTER_CLASS
	if len(c.Members) > 0 {
		vs := make([]attr.Value, len(c.Members))
		for i, m := range c.Members {
			vs[i] = attr.Name(m)
		}
		g.SetMulti("member-names", vs...)
	}
	return g
}

// --- job-submission operations ---

func handlePrintJob(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	dest, err := destName(req.OperationAttrs)
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	if resp, ok := checkPolicy(s, req.Op, dest, principal, principal); !ok {
		return resp
	}
	if req.Document == nil {
		return ipp.Error(ipp.StatusErrorBadRequest, "print-job requires document data")
	}
	j, err := s.CreateJob(principal, dest, req.JobAttrs)
	if err != nil {
		return errResponse(err)
	}
	mimeType := req.OperationAttrs.OptStr("document-format", "application/octet-stream")
	if err := s.AddDocument(j.ID, mimeType, false, req.Document); err != nil {
		return errResponse(err)
	}
	if err := s.SubmitJob(j.ID); err != nil {
		return errResponse(err)
	}
	got, _ := s.GetJob(j.ID)
	resp := ipp.OK()
	resp.JobAttrs = []attr.Group{buildJobGroup(got)}
	return resp
}

// handlePrintURI and handleSendURI reject remote document retrieval:
// fetching print data from an arbitrary URI is a networked transport
// concern (spec's out-of-scope wire protocol / MIME-sniffer collaborators),
// not something this core can perform without a fetcher no example in
// this corpus provides. Both report document-format-error, the same
// status CUPS itself returns when it lacks a URI scheme handler.
func handlePrintURI(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	return ipp.Error(ipp.StatusErrorDocumentFormat, "print-uri: remote document retrieval is not supported")
}

func handleSendURI(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	return ipp.Error(ipp.StatusErrorDocumentFormat, "send-uri: remote document retrieval is not supported")
}

func handleValidateJob(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	dest, err := destName(req.OperationAttrs)
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	if resp, ok := checkPolicy(s, req.Op, dest, principal, principal); !ok {
		return resp
	}
	if _, ok := s.Registry.FindPrinter(dest); !ok {
		if _, ok := s.Registry.FindClass(dest); !ok {
			return ipp.Error(ipp.StatusErrorNotFound, fmt.Sprintf("destination %q not found", dest))
		}
	}
	return ipp.OK()
}

func handleCreateJob(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	dest, err := destName(req.OperationAttrs)
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	if resp, ok := checkPolicy(s, req.Op, dest, principal, principal); !ok {
		return resp
	}
	j, err := s.CreateJob(principal, dest, req.JobAttrs)
	if err != nil {
		return errResponse(err)
	}
	resp := ipp.OK()
	resp.JobAttrs = []attr.Group{buildJobGroup(j)}
	return resp
}

func handleSendDocument(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	id, err := req.OperationAttrs.RequireInt("job-id")
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	j, err := s.GetJob(int(id))
	if err != nil {
		return errResponse(err)
	}
	if resp, ok := checkPolicy(s, req.Op, j.Dest, principal, j.Owner); !ok {
		return resp
	}
	if req.Document == nil {
		return ipp.Error(ipp.StatusErrorBadRequest, "send-document requires document data")
	}
	mimeType := req.OperationAttrs.OptStr("document-format", "application/octet-stream")
	if err := s.AddDocument(int(id), mimeType, false, req.Document); err != nil {
		return errResponse(err)
	}
	v, _ := req.OperationAttrs.Get("last-document")
	last, _ := v.Bool()
	if last {
		if err := s.SubmitJob(int(id)); err != nil {
			return errResponse(err)
		}
	}
	got, _ := s.GetJob(int(id))
	resp := ipp.OK()
	resp.JobAttrs = []attr.Group{buildJobGroup(got)}
	return resp
}

// --- job lifecycle operations ---

func handleCancelJob(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	id, err := req.OperationAttrs.RequireInt("job-id")
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	j, err := s.GetJob(int(id))
	if err != nil {
		return errResponse(err)
	}
	if resp, ok := checkPolicy(s, req.Op, j.Dest, principal, j.Owner); !ok {
		return resp
	}
	v, _ := req.OperationAttrs.Get("purge-job")
	purge, _ := v.Bool()
	if err := s.CancelJob(int(id), purge); err != nil {
		return errResponse(err)
	}
	return ipp.OK()
}

func handleGetJobAttributes(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	id, err := req.OperationAttrs.RequireInt("job-id")
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	j, err := s.GetJob(int(id))
	if err != nil {
		return errResponse(err)
	}
	if resp, ok := checkPolicy(s, req.Op, j.Dest, principal, j.Owner); !ok {
		return resp
	}
	resp := ipp.OK()
	resp.JobAttrs = []attr.Group{buildJobGroup(j)}
	return resp
}

func handleGetJobs(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	f := job.Filter{
		Dest:  req.OperationAttrs.OptStr("printer-name", ""),
		Which: req.OperationAttrs.OptStr("which-jobs", ""),
	}
	v, _ := req.OperationAttrs.Get("my-jobs")
	if mine, _ := v.Bool(); mine {
		f.Owner = principal
	}
	jobs := s.ListJobs(f)
	resp := ipp.OK()
	for _, j := range jobs {
		resp.JobAttrs = append(resp.JobAttrs, buildJobGroup(j))
	}
	return resp
}

func handleHoldJob(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	id, err := req.OperationAttrs.RequireInt("job-id")
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	j, err := s.GetJob(int(id))
	if err != nil {
		return errResponse(err)
	}
	if resp, ok := checkPolicy(s, req.Op, j.Dest, principal, j.Owner); !ok {
		return resp
	}
	if err := s.HoldJob(int(id)); err != nil {
		return errResponse(err)
	}
	return ipp.OK()
}

func handleReleaseJob(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	id, err := req.OperationAttrs.RequireInt("job-id")
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	j, err := s.GetJob(int(id))
	if err != nil {
		return errResponse(err)
	}
	if resp, ok := checkPolicy(s, req.Op, j.Dest, principal, j.Owner); !ok {
		return resp
	}
	if err := s.ReleaseJob(int(id)); err != nil {
		return errResponse(err)
	}
	return ipp.OK()
}

func handleRestartJob(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	id, err := req.OperationAttrs.RequireInt("job-id")
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	j, err := s.GetJob(int(id))
	if err != nil {
		return errResponse(err)
	}
	if resp, ok := checkPolicy(s, req.Op, j.Dest, principal, j.Owner); !ok {
		return resp
	}
	if err := s.RestartJob(int(id)); err != nil {
		return errResponse(err)
	}
	return ipp.OK()
}

func handleSetJobAttributes(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	id, err := req.OperationAttrs.RequireInt("job-id")
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	j, err := s.GetJob(int(id))
	if err != nil {
		return errResponse(err)
	}
	if resp, ok := checkPolicy(s, req.Op, j.Dest, principal, j.Owner); !ok {
		return resp
	}
	if v, ok := req.JobAttrs.Get("job-priority"); ok {
		n, err := v.Int()
		if err != nil {
			return ipp.Error(ipp.StatusErrorBadRequest, "job-priority: not an integer")
		}
		if err := s.SetPriority(int(id), int(n)); err != nil {
			return errResponse(err)
		}
	}
	if v, ok := req.JobAttrs.Get("job-hold-until-time"); ok {
		when, err := v.Time()
		if err != nil {
			return ipp.Error(ipp.StatusErrorBadRequest, "job-hold-until-time: not a datetime")
		}
		if err := s.SetHoldUntil(int(id), when); err != nil {
			return errResponse(err)
		}
	}
	got, _ := s.GetJob(int(id))
	resp := ipp.OK()
	resp.JobAttrs = []attr.Group{buildJobGroup(got)}
	return resp
}

// --- printer attribute / administration operations ---

func handleGetPrinterAttributes(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	dest, err := destName(req.OperationAttrs)
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	if resp, ok := checkPolicy(s, req.Op, dest, principal, ""); !ok {
		return resp
	}
	if p, ok := s.Registry.FindPrinter(dest); ok {
		resp := ipp.OK()
		resp.PrinterAttrs = []attr.Group{buildPrinterGroup(p)}
		return resp
	}
	if c, ok := s.Registry.FindClass(dest); ok {
		resp := ipp.OK()
		resp.PrinterAttrs = []attr.Group{buildClassGroup(c)}
		return resp
	}
	return ipp.Error(ipp.StatusErrorNotFound, fmt.Sprintf("destination %q not found", dest))
}

func handlePausePrinter(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	dest, err := destName(req.OperationAttrs)
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	if resp, ok := checkPolicy(s, req.Op, dest, principal, ""); !ok {
		return resp
	}
	reason := req.OperationAttrs.OptStr("printer-state-message", "paused")
	if err := s.PausePrinter(dest, reason); err != nil {
		return errResponse(err)
	}
	return ipp.OK()
}

func handleResumePrinter(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	dest, err := destName(req.OperationAttrs)
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	if resp, ok := checkPolicy(s, req.Op, dest, principal, ""); !ok {
		return resp
	}
	if err := s.ResumePrinter(dest); err != nil {
		return errResponse(err)
	}
	return ipp.OK()
}

func handlePurgeJobs(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	dest, err := destName(req.OperationAttrs)
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	if resp, ok := checkPolicy(s, req.Op, dest, principal, ""); !ok {
		return resp
	}
	if err := s.PurgeJobs(dest); err != nil {
		return errResponse(err)
	}
	return ipp.OK()
}

func handleSetPrinterAttributes(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	dest, err := destName(req.OperationAttrs)
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	if resp, ok := checkPolicy(s, req.Op, dest, principal, ""); !ok {
		return resp
	}
	p, ok := s.Registry.FindPrinter(dest)
	if !ok {
		return ipp.Error(ipp.StatusErrorNotFound, fmt.Sprintf("printer %q not found", dest))
	}
	applyPrinterAttrs(p, req.PrinterAttrs)
	if err := s.AddPrinter(p); err != nil {
		return errResponse(err)
	}
	return ipp.OK()
}

// applyPrinterAttrs merges the subset of printer-attributes a client is
// allowed to change in place (spec §3's printer fields); unrecognized
// names are ignored and not reported back to the client.
func applyPrinterAttrs(p *printer.Printer, attrs attr.Group) {
	if v := attrs.OptStr("device-uri", ""); v != "" {
		p.DeviceURI = v
	}
	if v, ok := attrs.Get("printer-is-accepting-jobs"); ok {
		if b, err := v.Bool(); err == nil {
			p.AcceptingJobs = b
		}
	}
	if v := attrs.OptStr("job-sheets-default", ""); v != "" {
		p.BannerStart = v
	}
	if v := attrs.OptStr("printer-op-policy", ""); v != "" {
		p.OpPolicy = v
	}
	if v := attrs.OptStr("printer-error-policy", ""); v != "" {
		p.ErrorPolicy = v
	}
}

func handleCupsAddModifyPrinter(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	dest, err := destName(req.OperationAttrs)
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	if resp, ok := checkPolicy(s, req.Op, dest, principal, ""); !ok {
		return resp
	}
	p, existed := s.Registry.FindPrinter(dest)
	if !existed {
		p = &printer.Printer{Name: dest, State: printer.StateIdle, AcceptingJobs: true}
	}
	applyPrinterAttrs(p, req.PrinterAttrs)
	if p.DeviceURI == "" {
		p.DeviceURI = req.PrinterAttrs.OptStr("device-uri", p.DeviceURI)
	}
	if err := s.AddPrinter(p); err != nil {
		return errResponse(err)
	}
	return ipp.OK()
}

func handleCupsDeletePrinter(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	dest, err := destName(req.OperationAttrs)
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	if resp, ok := checkPolicy(s, req.Op, dest, principal, ""); !ok {
		return resp
	}
	if err := s.DeletePrinter(dest); err != nil {
		return errResponse(err)
	}
	return ipp.OK()
}

func handleCupsAddModifyClass(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	dest, err := destName(req.OperationAttrs)
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	if resp, ok := checkPolicy(s, req.Op, dest, principal, ""); !ok {
		return resp
	}
	c, existed := s.Registry.FindClass(dest)
	if !existed {
		c = &printer.Class{Name: dest}
	}
	if vs, ok := req.PrinterAttrs.GetAll("member-names"); ok {
		members := make([]string, 0, len(vs))
		for _, v := range vs {
			if str, err := v.Str(); err == nil {
				members = append(members, str)
			}
		}
		c.Members = members
	}
	if v := req.PrinterAttrs.OptStr("printer-op-policy", ""); v != "" {
		c.OpPolicy = v
	}
	if v := req.PrinterAttrs.OptStr("printer-error-policy", ""); v != "" {
		c.ErrorPolicy = v
	}
	if err := s.AddClass(c); err != nil {
		return errResponse(err)
	}
	return ipp.OK()
}

func handleCupsDeleteClass(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	dest, err := destName(req.OperationAttrs)
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	if resp, ok := checkPolicy(s, req.Op, dest, principal, ""); !ok {
		return resp
	}
	if err := s.DeleteClass(dest); err != nil {
		return errResponse(err)
	}
	return ipp.OK()
}

func handleCupsGetPrinters(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	resp := ipp.OK()
	for _, p := range s.Registry.AllPrinters() {
		resp.PrinterAttrs = append(resp.PrinterAttrs, buildPrinterGroup(p))
	}
	return resp
}

func handleCupsGetClasses(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	resp := ipp.OK()
	for _, c := range s.Registry.AllClasses() {
		resp.PrinterAttrs = append(resp.PrinterAttrs, buildClassGroup(c))
	}
	return resp
}

// handleCupsGetDevices and handleCupsGetPPDs have no backend/PPD
// collaborator to query (spec's out-of-scope backend binaries and PPD
// parser); they report an empty, successful list rather than an error
// since real CUPS clients treat "no devices configured" as a normal
// outcome, not a fault.
func handleCupsGetDevices(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	return ipp.OK()
}

func handleCupsGetPPDs(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	return ipp.OK()
}

func handleCupsMoveJob(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	id, err := req.OperationAttrs.RequireInt("job-id")
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	j, err := s.GetJob(int(id))
	if err != nil {
		return errResponse(err)
	}
	newDest, err := destName(req.JobAttrs)
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	if resp, ok := checkPolicy(s, req.Op, j.Dest, principal, j.Owner); !ok {
		return resp
	}
	if err := s.MoveJob(int(id), newDest); err != nil {
		return errResponse(err)
	}
	return ipp.OK()
}

// handleCupsAuthenticateJob reports success once policy evaluation has
// passed: beyond evaluating a supplied principal against policy, this
// scheduler does not implement authentication primitives (spec
// Non-goals), so there is no further credential step to perform.
func handleCupsAuthenticateJob(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	id, err := req.OperationAttrs.RequireInt("job-id")
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	j, err := s.GetJob(int(id))
	if err != nil {
		return errResponse(err)
	}
	if resp, ok := checkPolicy(s, req.Op, j.Dest, principal, j.Owner); !ok {
		return resp
	}
	return ipp.OK()
}

// --- subscription operations ---

const defaultLeaseSecs = 86400

func recipientFrom(attrs attr.Group) subscription.Recipient {
	uri := attrs.OptStr("notify-recipient-uri", "")
	if uri == "" {
		return subscription.Recipient{Pull: true}
	}
	userData := attrs.OptStr("notify-user-data", "")
	return subscription.Recipient{URI: uri, UserData: []byte(userData)}
}

func createSubscription(s *scheduler.Scheduler, principal string, req ipp.Request, printerFilter string, jobFilter int) ipp.Response {
	mask := event.MaskAll
	if names := req.SubscriptionAttrs.OptStr("notify-events", ""); names != "" {
		mask = event.ParseMask(names)
	}
	leaseSecs := int(req.SubscriptionAttrs.OptInt("notify-lease-duration", defaultLeaseSecs))
	recip := recipientFrom(req.SubscriptionAttrs)
	sub := s.Subscribe(mask, recip, printerFilter, jobFilter, principal, leaseSecs)
	var g attr.Group
	g.Set("notify-subscription-id", attr.Integer(int32(sub.ID)))
	g.Set("notify-lease-duration", attr.Integer(int32(leaseSecs)))
	resp := ipp.OK()
	resp.SubscriptionAttrs = []attr.Group{g}
	return resp
}

func handleCreatePrinterSubscription(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	dest, err := destName(req.OperationAttrs)
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	if resp, ok := checkPolicy(s, req.Op, dest, principal, ""); !ok {
		return resp
	}
	return createSubscription(s, principal, req, dest, 0)
}

func handleCreateJobSubscription(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	id, err := req.OperationAttrs.RequireInt("job-id")
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	j, err := s.GetJob(int(id))
	if err != nil {
		return errResponse(err)
	}
	if resp, ok := checkPolicy(s, req.Op, j.Dest, principal, j.Owner); !ok {
		return resp
	}
	return createSubscription(s, principal, req, "", int(id))
}

func handleGetSubscriptions(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	subs := s.Bus.List(principal)
	resp := ipp.OK()
	for _, sub := range subs {
		var g attr.Group
		g.Set("notify-subscription-id", attr.Integer(int32(sub.ID)))
		g.Set("notify-lease-duration", attr.Integer(int32(time.Until(sub.LeaseExpiry).Seconds())))
		resp.SubscriptionAttrs = append(resp.SubscriptionAttrs, g)
	}
	return resp
}

func handleRenewSubscription(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	id, err := req.OperationAttrs.RequireInt("notify-subscription-id")
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	sub, ok := s.Bus.Get(int(id))
	if !ok {
		return ipp.Error(ipp.StatusErrorNotFound, fmt.Sprintf("subscription %d not found", id))
	}
	if sub.Owner != "" && sub.Owner != principal {
		return ipp.Error(ipp.StatusErrorForbidden, "not the subscription owner")
	}
	leaseSecs := int(req.OperationAttrs.OptInt("notify-lease-duration", defaultLeaseSecs))
	if err := s.RenewSubscription(int(id), leaseSecs); err != nil {
		return errResponse(err)
	}
	return ipp.OK()
}

func handleCancelSubscription(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	id, err := req.OperationAttrs.RequireInt("notify-subscription-id")
	if err != nil {
		return ipp.Error(ipp.StatusErrorBadRequest, err.Error())
	}
	sub, ok := s.Bus.Get(int(id))
	if !ok {
		return ipp.Error(ipp.StatusErrorNotFound, fmt.Sprintf("subscription %d not found", id))
	}
	if sub.Owner != "" && sub.Owner != principal {
		return ipp.Error(ipp.StatusErrorForbidden, "not the subscription owner")
	}
	if err := s.CancelSubscription(int(id)); err != nil {
		return errResponse(err)
	}
	return ipp.OK()
}

// handleGetNotifications rides each delivered event as its own group in
// SubscriptionAttrs — Response has no dedicated event-notification
// slot, and a subscription-scoped group is the closest existing shape.
func handleGetNotifications(s *scheduler.Scheduler, principal string, req ipp.Request) ipp.Response {
	ids, ok := req.OperationAttrs.GetAll("notify-subscription-ids")
	if !ok {
		return ipp.Error(ipp.StatusErrorBadRequest, "missing notify-subscription-ids")
	}
	resp := ipp.OK()
	for _, idVal := range ids {
		id, err := idVal.Int()
		if err != nil {
			continue
		}
		sub, ok := s.Bus.Get(int(id))
		if !ok || (sub.Owner != "" && sub.Owner != principal) {
			continue
		}
		events, err := s.GetNotifications(int(id))
		if err != nil {
			continue
		}
		for _, e := range events {
			var g attr.Group
			g.Set("notify-subscription-id", attr.Integer(int32(id)))
			g.Set("notify-sequence-number", attr.Integer(int32(e.SeqID)))
			g.Set("notify-subscribed-event", attr.Keyword(e.Kind.String()))
			if e.Printer != "" {
				g.Set("printer-name", attr.Name(e.Printer))
			}
			if e.JobID != 0 {
				g.Set("notify-job-id", attr.Integer(int32(e.JobID)))
			}
			resp.SubscriptionAttrs = append(resp.SubscriptionAttrs, g)
		}
	}
	return resp
}
