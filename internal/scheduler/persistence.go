package scheduler

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/printcore/schedulerd/internal/attr"
	"github.com/printcore/schedulerd/internal/event"
	"github.com/printcore/schedulerd/internal/job"
	"github.com/printcore/schedulerd/internal/persist"
	"github.com/printcore/schedulerd/internal/printer"
	"github.com/printcore/schedulerd/internal/subscription"
)

// encodeRecords frames a sequence of attr.Group records into one
// domain file. attr.Encode/Decode work on a single flat Group; a domain
// file holds many independent records (one per printer, job, ...), so
// each is prefixed with its encoded length to let Decode be applied
// record-by-record without needing a delimiter attr.Encode can't
// produce on its own (spec §6's line format has no blank-line rule).
func encodeRecords(groups []attr.Group) []byte {
	var buf bytes.Buffer
	for _, g := range groups {
		enc := attr.Encode(g)
		fmt.Fprintf(&buf, "%d\n", len(enc))
		buf.Write(enc)
	}
	return buf.Bytes()
}

func decodeRecords(data []byte) ([]attr.Group, error) {
	var out []attr.Group
	r := bufio.NewReader(bytes.NewReader(data))
	for {
		lengthLine, err := r.ReadString('\n')
		if len(strings.TrimSpace(lengthLine)) == 0 {
			if err != nil {
				break
			}
			continue
		}
		n, convErr := strconv.Atoi(strings.TrimSpace(lengthLine))
		if convErr != nil {
			return nil, fmt.Errorf("scheduler: malformed record length %q: %w", lengthLine, convErr)
		}
		block := make([]byte, n)
		if _, ioErr := io.ReadFull(r, block); ioErr != nil {
			return nil, fmt.Errorf("scheduler: short record (want %d bytes): %w", n, ioErr)
		}
		g, decErr := attr.Decode(block)
		if decErr != nil {
			return nil, decErr
		}
		out = append(out, g)
		if err != nil {
			break
		}
	}
	return out, nil
}

// ---- printer <-> record ----

func printerToGroup(p *printer.Printer) attr.Group {
	var g attr.Group
	g.Set("printer-name", attr.Keyword(p.Name))
	g.Set("device-uri", attr.URI(p.DeviceURI))
	g.Set("printer-state", attr.Integer(int32(p.State)))
	reasons := make([]attr.Value, 0, len(p.StateReasons))
	for _, r := range p.StateReasons {
		reasons = append(reasons, attr.Keyword(r))
	}
	if len(reasons) > 0 {
		g.SetMulti("printer-state-reasons", reasons...)
	}
	g.Set("printer-is-accepting-jobs", attr.Boolean(p.AcceptingJobs))
	g.Set("printer-is-shared", attr.Boolean(p.Shared))
	g.Set("op-policy", attr.Keyword(p.OpPolicy))
	g.Set("error-policy", attr.Keyword(p.ErrorPolicy))
	mimes := make([]attr.Value, 0, len(p.MIMETypes))
	for _, m := range p.MIMETypes {
		mimes = append(mimes, attr.MimeType(m))
	}
	if len(mimes) > 0 {
		g.SetMulti("document-format-supported", mimes...)
	}
	g.Set("job-sheets-start", attr.Keyword(p.BannerStart))
	g.Set("job-sheets-end", attr.Keyword(p.BannerEnd))
	g.Set("job-quota-period", attr.Integer(int32(p.Quota.PeriodSecs)))
	g.Set("job-page-limit", attr.Integer(int32(p.Quota.PageLimit)))
	g.Set("job-k-limit", attr.Integer(int32(p.Quota.JobLimit)))
	g.Set("printer-attrs", attr.Collection(p.Attrs.Attrs...))
	return g
}

func groupToPrinter(g attr.Group) (*printer.Printer, error) {
	name, err := g.RequireStr("printer-name")
	if err != nil {
		return nil, err
	}
	p := &printer.Printer{
		Name:          name,
		DeviceURI:     g.OptStr("device-uri", ""),
		State:         printer.State(g.OptInt("printer-state", 0)),
		AcceptingJobs: boolAttr(g, "printer-is-accepting-jobs"),
		Shared:        boolAttr(g, "printer-is-shared"),
		OpPolicy:      g.OptStr("op-policy", ""),
		ErrorPolicy:   g.OptStr("error-policy", ""),
		BannerStart:   g.OptStr("job-sheets-start", ""),
		BannerEnd:     g.OptStr("job-sheets-end", ""),
	}
	p.Quota.PeriodSecs = int(g.OptInt("job-quota-period", 0))
	p.Quota.PageLimit = int(g.OptInt("job-page-limit", 0))
	p.Quota.JobLimit = int(g.OptInt("job-k-limit", 0))
	if vs, ok := g.GetAll("printer-state-reasons"); ok {
		for _, v := range vs {
			if s, err := v.Str(); err == nil {
				p.AddReason(s)
			}
		}
	}
	if vs, ok := g.GetAll("document-format-supported"); ok {
		for _, v := range vs {
			if s, err := v.Str(); err == nil {
				p.MIMETypes = append(p.MIMETypes, s)
			}
		}
	}
	if v, ok := g.Get("printer-attrs"); ok && v.Tag == attr.TagCollection {
		p.Attrs = attr.Group{Attrs: v.Collection}
	}
	return p, nil
}

func boolAttr(g attr.Group, name string) bool {
	v, ok := g.Get(name)
	if !ok {
		return false
	}
	b, _ := v.Bool()
	return b
}

// ---- class <-> record ----

func classToGroup(c *printer.Class) attr.Group {
	var g attr.Group
	g.Set("class-name", attr.Keyword(c.Name))
	members := make([]attr.Value, 0, len(c.Members))
	for _, m := range c.Members {
		members = append(members, attr.Keyword(m))
	}
	if len(members) > 0 {
		g.SetMulti("member-names", members...)
	}
	g.Set("op-policy", attr.Keyword(c.OpPolicy))
	g.Set("error-policy", attr.Keyword(c.ErrorPolicy))
	g.Set("class-attrs", attr.Collection(c.Attrs.Attrs...))
	return g
}

func groupToClass(g attr.Group) (*printer.Class, error) {
	name, err := g.RequireStr("class-name")
	if err != nil {
		return nil, err
	}
	c := &printer.Class{
		Name:        name,
		OpPolicy:    g.OptStr("op-policy", ""),
		ErrorPolicy: g.OptStr("error-policy", ""),
	}
	if vs, ok := g.GetAll("member-names"); ok {
		for _, v := range vs {
			if s, err := v.Str(); err == nil {
				c.Members = append(c.Members, s)
			}
		}
	}
	if v, ok := g.Get("class-attrs"); ok && v.Tag == attr.TagCollection {
		c.Attrs = attr.Group{Attrs: v.Collection}
	}
	return c, nil
}

// ---- job <-> record (non-terminal jobs only; terminal jobs are
// archived to history and purged from the live spool per retention) ----

// jobToIndexGroup renders the thin jobs.cache entry: just enough to
// list and locate a job without opening its control file (spec §6's
// job-id -> state, destination, priority, owner index).
func jobToIndexGroup(j *job.Job) attr.Group {
	var g attr.Group
	g.Set("job-id", attr.Integer(int32(j.ID)))
	g.Set("job-state", attr.Integer(int32(j.State)))
	g.Set("job-printer-uri", attr.Keyword(j.Dest))
	g.Set("job-priority", attr.Integer(int32(j.Priority)))
	g.Set("job-originating-user-name", attr.Keyword(j.Owner))
	return g
}

func groupToIndexID(g attr.Group) (int, error) {
	id, err := g.RequireInt("job-id")
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

// jobToControlGroup renders a job's full typed attribute stream, written
// to its own c<NNNNN> control file (spec §4.A/§6) rather than inline in
// jobs.cache.
func jobToControlGroup(j *job.Job) attr.Group {
	var g attr.Group
	g.Set("job-id", attr.Integer(int32(j.ID)))
	g.Set("job-priority", attr.Integer(int32(j.Priority)))
	g.Set("job-state", attr.Integer(int32(j.State)))
	g.Set("job-originating-user-name", attr.Keyword(j.Owner))
	g.Set("job-printer-uri", attr.Keyword(j.Dest))
	g.Set("job-dest-type", attr.Integer(int32(j.DestType)))
	g.Set("job-current-file", attr.Integer(int32(j.CurrentFile)))
	g.Set("job-attempt", attr.Integer(int32(j.Attempt)))
	g.Set("job-cost", attr.Integer(int32(j.Cost)))
	g.Set("time-at-creation", attr.DateTime(j.CreatedAt))
	if !j.HoldUntil.IsZero() {
		g.Set("job-hold-until", attr.DateTime(j.HoldUntil))
	}
	reasons := make([]attr.Value, 0, len(j.StateReasons))
	for _, r := range j.StateReasons {
		reasons = append(reasons, attr.Keyword(r))
	}
	if len(reasons) > 0 {
		g.SetMulti("job-state-reasons", reasons...)
	}
	docs := make([]attr.Attribute, 0, len(j.Documents))
	for i, d := range j.Documents {
		docs = append(docs, attr.Attribute{
			Name: fmt.Sprintf("document-%d", i),
			Values: []attr.Value{
				attr.Collection(
					attr.Attribute{Name: "path", Values: []attr.Value{attr.Keyword(d.Path)}},
					attr.Attribute{Name: "mime-type", Values: []attr.Value{attr.MimeType(d.MIMEType)}},
					attr.Attribute{Name: "compressed", Values: []attr.Value{attr.Boolean(d.Compressed)}},
				),
			},
		})
	}
	g.Set("document-count", attr.Integer(int32(len(j.Documents))))
	g.Attrs = append(g.Attrs, docs...)
	g.Set("job-attrs", attr.Collection(j.Attrs.Attrs...))
	return g
}

func groupToJob(g attr.Group) (*job.Job, error) {
	id, err := g.RequireInt("job-id")
	if err != nil {
		return nil, err
	}
	j := &job.Job{
		ID:          int(id),
		Priority:    int(g.OptInt("job-priority", 50)),
		State:       job.State(g.OptInt("job-state", 0)),
		Owner:       g.OptStr("job-originating-user-name", ""),
		Dest:        g.OptStr("job-printer-uri", ""),
		DestType:    job.DestType(g.OptInt("job-dest-type", 0)),
		CurrentFile: int(g.OptInt("job-current-file", 0)),
		Attempt:     int(g.OptInt("job-attempt", 0)),
		Cost:        int(g.OptInt("job-cost", 0)),
	}
	if v, ok := g.Get("time-at-creation"); ok {
		j.CreatedAt = v.DateTime
	}
	if v, ok := g.Get("job-hold-until"); ok {
		j.HoldUntil = v.DateTime
	}
	if vs, ok := g.GetAll("job-state-reasons"); ok {
		for _, v := range vs {
			if s, err := v.Str(); err == nil {
				j.AddReason(s)
			}
		}
	}
	count := int(g.OptInt("document-count", 0))
	for i := 0; i < count; i++ {
		v, ok := g.Get(fmt.Sprintf("document-%d", i))
		if !ok || v.Tag != attr.TagCollection {
			continue
		}
		doc := job.Document{}
		sub := attr.Group{Attrs: v.Collection}
		doc.Path = sub.OptStr("path", "")
		doc.MIMEType = sub.OptStr("mime-type", "")
		doc.Compressed = boolAttr(sub, "compressed")
		j.Documents = append(j.Documents, doc)
	}
	if v, ok := g.Get("job-attrs"); ok && v.Tag == attr.TagCollection {
		j.Attrs = attr.Group{Attrs: v.Collection}
	}
	return j, nil
}

// ---- subscription <-> record ----

func subscriptionToGroup(s *subscription.Subscription) attr.Group {
	var g attr.Group
	g.Set("notify-subscription-id", attr.Integer(int32(s.ID)))
	g.Set("notify-events-mask", attr.Integer(int32(s.Mask)))
	g.Set("notify-pull-method", attr.Boolean(s.Recipient.Pull))
	g.Set("notify-recipient-uri", attr.URI(s.Recipient.URI))
	g.Set("notify-user-data", attr.OctetString(string(s.Recipient.UserData)))
	g.Set("notify-printer", attr.Keyword(s.Printer))
	g.Set("notify-job-id", attr.Integer(int32(s.JobID)))
	g.Set("notify-subscriber-user-name", attr.Keyword(s.Owner))
	g.Set("notify-lease-expiration", attr.DateTime(s.LeaseExpiry))
	return g
}

func groupToSubscriptionArgs(g attr.Group) (id int, mask event.Mask, recip subscription.Recipient, printerFilter string, jobID int, owner string, lease time.Time, err error) {
	idv, err := g.RequireInt("notify-subscription-id")
	if err != nil {
		return 0, 0, subscription.Recipient{}, "", 0, "", time.Time{}, err
	}
	id = int(idv)
	mask = event.Mask(g.OptInt("notify-events-mask", int32(event.MaskAll)))
	recip = subscription.Recipient{
		Pull:     boolAttr(g, "notify-pull-method"),
		URI:      g.OptStr("notify-recipient-uri", ""),
		UserData: []byte(g.OptStr("notify-user-data", "")),
	}
	printerFilter = g.OptStr("notify-printer", "")
	jobID = int(g.OptInt("notify-job-id", 0))
	owner = g.OptStr("notify-subscriber-user-name", "")
	if v, ok := g.Get("notify-lease-expiration"); ok {
		lease = v.DateTime
	}
	return id, mask, recip, printerFilter, jobID, owner, lease, nil
}

// ---- remote cache (discovered printer snapshot) ----

func discoveredToGroup(d printer.DiscoveredPrinter) attr.Group {
	var g attr.Group
	g.Set("printer-name", attr.Keyword(d.Name))
	hosts := make([]attr.Value, 0, len(d.Hosts))
	for _, h := range d.Hosts {
		hosts = append(hosts, attr.Keyword(h))
	}
	if len(hosts) > 0 {
		g.SetMulti("printer-hosts", hosts...)
	}
	return g
}

func groupToDiscovered(g attr.Group) (printer.DiscoveredPrinter, error) {
	name, err := g.RequireStr("printer-name")
	if err != nil {
		return printer.DiscoveredPrinter{}, err
	}
	d := printer.DiscoveredPrinter{Name: name}
	if vs, ok := g.GetAll("printer-hosts"); ok {
		for _, v := range vs {
			if s, err := v.Str(); err == nil {
				d.Hosts = append(d.Hosts, s)
			}
		}
	}
	return d, nil
}

// buildDomain renders the current in-memory state of one persistence
// domain to bytes, called by persist.Store's flush paths.
func (s *Scheduler) buildDomain(d persist.Domain) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch d {
	case persist.DomainPrinters:
		var groups []attr.Group
		for _, p := range s.Registry.AllPrinters() {
			groups = append(groups, printerToGroup(p))
		}
		return encodeRecords(groups), nil
	case persist.DomainClasses:
		var groups []attr.Group
		for _, c := range s.Registry.AllClasses() {
			if c.Implicit {
				continue
			}
			groups = append(groups, classToGroup(c))
		}
		return encodeRecords(groups), nil
	case persist.DomainSubscriptions:
		var groups []attr.Group
		for _, sub := range s.Bus.List("") {
			groups = append(groups, subscriptionToGroup(sub))
		}
		return encodeRecords(groups), nil
	case persist.DomainJobs:
		var index []attr.Group
		for _, j := range s.Jobs.List(job.Filter{Which: "not-completed"}) {
			if err := persist.WriteFileWithDigest(s.store.JobControlPath(j.ID), attr.Encode(jobToControlGroup(j))); err != nil {
				return nil, fmt.Errorf("scheduler: write control file for job %d: %w", j.ID, err)
			}
			index = append(index, jobToIndexGroup(j))
		}
		return encodeRecords(index), nil
	case persist.DomainRemote:
		var groups []attr.Group
		for _, c := range s.Registry.AllClasses() {
			if !c.Implicit {
				continue
			}
			groups = append(groups, discoveredToGroup(printer.DiscoveredPrinter{Name: c.Name, Hosts: c.Members}))
		}
		return encodeRecords(groups), nil
	default:
		return nil, fmt.Errorf("scheduler: unknown persistence domain %d", d)
	}
}

// LoadState populates the scheduler's registry, job table and
// subscription bus from the five persisted domains (spec §4.G's
// restart recovery), in printer/class-before-job order so jobs can
// resolve their destination type against an already-loaded registry.
func (s *Scheduler) LoadState(store *persist.Store) error {
	if err := s.loadPrinters(store); err != nil {
		return err
	}
	if err := s.loadClasses(store); err != nil {
		return err
	}
	if err := s.loadRemoteCache(store); err != nil {
		return err
	}
	if err := s.loadSubscriptions(store); err != nil {
		return err
	}
	if err := s.loadJobs(store); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) loadPrinters(store *persist.Store) error {
	data, err := store.ReadDomain(persist.DomainPrinters)
	if err != nil || data == nil {
		return err
	}
	groups, err := decodeRecords(data)
	if err != nil {
		return fmt.Errorf("scheduler: decode printers.conf: %w", err)
	}
	for _, g := range groups {
		p, err := groupToPrinter(g)
		if err != nil {
			return err
		}
		// A restart always reaps whatever pipeline was mid-flight (and
		// CurrentJobID is never persisted); the job itself is
		// re-evaluated from jobs.cache and redispatched by Tick once it
		// lands back in pending.
		if p.State == printer.StateProcessing {
			p.State = printer.StateIdle
		}
		if err := s.Registry.AddPrinter(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) loadClasses(store *persist.Store) error {
	data, err := store.ReadDomain(persist.DomainClasses)
	if err != nil || data == nil {
		return err
	}
	groups, err := decodeRecords(data)
	if err != nil {
		return fmt.Errorf("scheduler: decode classes.conf: %w", err)
	}
	for _, g := range groups {
		c, err := groupToClass(g)
		if err != nil {
			return err
		}
		if err := s.Registry.AddClass(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) loadRemoteCache(store *persist.Store) error {
	data, err := store.ReadDomain(persist.DomainRemote)
	if err != nil || data == nil {
		return err
	}
	groups, err := decodeRecords(data)
	if err != nil {
		return fmt.Errorf("scheduler: decode remote.cache: %w", err)
	}
	var discovered []printer.DiscoveredPrinter
	for _, g := range groups {
		d, err := groupToDiscovered(g)
		if err != nil {
			return err
		}
		discovered = append(discovered, d)
	}
	s.Registry.ReplaceImplicitClasses(discovered)
	return nil
}

func (s *Scheduler) loadSubscriptions(store *persist.Store) error {
	data, err := store.ReadDomain(persist.DomainSubscriptions)
	if err != nil || data == nil {
		return err
	}
	groups, err := decodeRecords(data)
	if err != nil {
		return fmt.Errorf("scheduler: decode subscriptions.conf: %w", err)
	}
	for _, g := range groups {
		id, mask, recip, printerFilter, jobID, owner, lease, err := groupToSubscriptionArgs(g)
		if err != nil {
			return err
		}
		s.Bus.Restore(id, mask, recip, printerFilter, jobID, owner, lease, 100)
	}
	return nil
}

func (s *Scheduler) loadJobs(store *persist.Store) error {
	data, err := store.ReadDomain(persist.DomainJobs)
	if err != nil || data == nil {
		return err
	}
	index, err := decodeRecords(data)
	if err != nil {
		return fmt.Errorf("scheduler: decode jobs.cache: %w", err)
	}
	for _, idx := range index {
		id, err := groupToIndexID(idx)
		if err != nil {
			return err
		}
		ctrl, err := persist.ReadFileVerified(store.JobControlPath(id))
		if err != nil {
			return fmt.Errorf("scheduler: read control file for job %d: %w", id, err)
		}
		g, err := attr.Decode(ctrl)
		if err != nil {
			return fmt.Errorf("scheduler: decode control file for job %d: %w", id, err)
		}
		j, err := groupToJob(g)
		if err != nil {
			return err
		}
		if j.State == job.StateProcessing {
			// No pipeline survives a restart: the job goes back to
			// pending from its first document, keeping the attempt that
			// BeginProcessing counted for the interrupted run, and Tick
			// redispatches it.
			j.State = job.StatePending
			j.CurrentFile = 0
		}
		if err := s.Jobs.LoadJob(j); err != nil {
			return err
		}
	}
	return nil
}

// createSpoolFile creates (or truncates) the spool file at path for
// writing, per spec §4.G's per-job document file convention.
func createSpoolFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
}

// removeSpoolFile deletes a job's spooled document once its retention
// window has passed or it was explicitly purged.
func removeSpoolFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// removeControlFile deletes a job's control file and its sibling
// digest once the job leaves jobs.cache's not-completed index, so a
// terminal job doesn't leave an orphaned c<NNNNN> behind.
func removeControlFile(path string) error {
	if err := removeSpoolFile(path); err != nil {
		return err
	}
	return removeSpoolFile(path + ".digest")
}
