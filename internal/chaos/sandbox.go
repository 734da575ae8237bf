// internal/chaos/sandbox.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"libradispatch/internal/config"
	"libradispatch/internal/consumer"
	"libradispatch/internal/failover"
	"libradispatch/internal/gateway"
	"libradispatch/internal/health"
	"libradispatch/internal/lender"
	"libradispatch/internal/loadgen"
	"libradispatch/internal/loan"
	"libradispatch/internal/logging"
	"libradispatch/internal/publisher"
	"libradispatch/internal/storage"
	"libradispatch/internal/wire"
)

const (
	faultOff int32 = iota
	faultReject
	faultHang
)

// Fault makes a handler answer 503 while it is injected, or never answer
// while it hangs.
type Fault struct {
	mode atomic.Int32
	next http.Handler
}

func NewFault(next http.Handler) *Fault { return &Fault{next: next} }

func (f *Fault) Inject()      { f.mode.Store(faultReject) }
func (f *Fault) Hang()        { f.mode.Store(faultHang) }
func (f *Fault) Clear()       { f.mode.Store(faultOff) }
func (f *Fault) Active() bool { return f.mode.Load() != faultOff }

func (f *Fault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch f.mode.Load() {
	case faultReject:
		http.Error(w, "fault injected", http.StatusServiceUnavailable)
	case faultHang:
		<-r.Context().Done()
	default:
		f.next.ServeHTTP(w, r)
	}
}

type SandboxConfig struct {
	Items         int
	RNGSeed       int64
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	CallTimeout   time.Duration
	LenderTimeout time.Duration
	ReadyTimeout  time.Duration
	Logger        logging.Logger
}

func (c *SandboxConfig) defaults() {
	if c.Items < 2 {
		c.Items = 200
	}
	if c.RNGSeed == 0 {
		c.RNGSeed = 42
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 100 * time.Millisecond
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 100 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 500 * time.Millisecond
	}
	if c.LenderTimeout <= 0 {
		c.LenderTimeout = 2*c.CallTimeout + c.CallTimeout/2
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
}

// Sandbox is the whole dispatch pipeline running in process on loopback
// listeners, with a fault switch in front of each node that experiments target.
type Sandbox struct {
	Fixture  storage.Fixture
	Primary  *storage.MemoryStore
	Backup   *storage.MemoryStore
	Registry *health.Registry

	StorageFault *Fault
	LenderFault  *Fault
	ReturnFault  *Fault
	RenewFault   *Fault

	GatewayURL string

	sender  *loadgen.HTTPSender
	pub     *publisher.Publisher
	hub     *publisher.Hub
	servers []*http.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	nextFree int
	nextLoan int
}

// StartSandbox seeds two memory stores and starts storage, lender, gateway and
// one consumer per asynchronous topic. It returns once both consumers are UP and
// subscribed.
func StartSandbox(ctx context.Context, cfg SandboxConfig) (*Sandbox, error) {
	cfg.defaults()
	if err := config.CheckCallBudget(cfg.LenderTimeout, cfg.CallTimeout); err != nil {
		return nil, err
	}
	log := cfg.Logger

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Sandbox{
		Fixture: storage.BuildFixture(cfg.Items, cfg.RNGSeed, time.Now()),
		Primary: storage.NewMemoryStore(),
		Backup:  storage.NewMemoryStore(),
		cancel:  cancel,
	}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	// Step 1: storage pair
	if err := storage.Seed(ctx, s.Primary, s.Fixture); err != nil {
		return nil, err
	}
	if err := storage.Seed(ctx, s.Backup, s.Fixture); err != nil {
		return nil, err
	}
	backupEngine, err := storage.NewEngine(s.Backup, storage.WithName("storage-backup"), storage.WithLogger(log))
	if err != nil {
		return nil, err
	}
	primaryEngine, err := storage.NewEngine(s.Primary, storage.WithName("storage-primary"),
		storage.WithReplica(backupEngine), storage.WithLogger(log))
	if err != nil {
		return nil, err
	}
	s.StorageFault = NewFault(storage.NewHandler(primaryEngine, "storage-primary", log).Routes())
	primaryURL, err := s.serve(s.StorageFault)
	if err != nil {
		return nil, err
	}
	backupURL, err := s.serve(storage.NewHandler(backupEngine, "storage-backup", log).Routes())
	if err != nil {
		return nil, err
	}

	// Step 2: BORROW handler
	lenderCaller, err := failover.NewCaller(failover.WithFailureMessage(lender.FailureMessage), failover.WithLogger(log))
	if err != nil {
		return nil, err
	}
	lend, err := lender.New(lenderCaller, lender.WithStorage(primaryURL+"/apply", backupURL+"/apply", cfg.CallTimeout),
		lender.WithLogger(log))
	if err != nil {
		return nil, err
	}
	s.LenderFault = NewFault(lender.NewHandler(lend, "lender").Routes())
	lenderURL, err := s.serve(s.LenderFault)
	if err != nil {
		return nil, err
	}

	// Step 3: reserve the gateway address so consumers can subscribe to it
	gwListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.GatewayURL = "http://" + gwListener.Addr().String()

	// Step 4: consumers
	storageCaller, err := failover.NewCaller(failover.WithLogger(log))
	if err != nil {
		_ = gwListener.Close()
		return nil, err
	}
	var targets []*health.Consumer
	for _, k := range []loan.Kind{loan.Return, loan.Renew} {
		c, err := consumer.New(k.Topic(), s.GatewayURL+"/events", storageCaller,
			consumer.WithStorage(primaryURL+"/apply", backupURL+"/apply", cfg.CallTimeout),
			consumer.WithRetryDelay(50*time.Millisecond),
			consumer.WithLogger(log))
		if err != nil {
			_ = gwListener.Close()
			return nil, err
		}
		name := "consumer-" + string(k)
		fault := NewFault(consumer.NewHandler(c, name).Routes())
		if k == loan.Return {
			s.ReturnFault = fault
		} else {
			s.RenewFault = fault
		}
		url, err := s.serve(fault)
		if err != nil {
			_ = gwListener.Close()
			return nil, err
		}
		targets = append(targets, health.NewConsumer(name, k.Topic(), url+"/health"))
		s.goRun(func() { _ = c.Run(runCtx) })
	}

	// Step 5: gateway
	s.hub = publisher.NewHub(publisher.WithHubLogger(log))
	s.pub, err = publisher.New(s.hub, publisher.WithLogger(log))
	if err != nil {
		_ = gwListener.Close()
		return nil, err
	}
	s.Registry, err = health.NewRegistry(s.pub, targets, health.WithRegistryLogger(log))
	if err != nil {
		_ = gwListener.Close()
		return nil, err
	}
	monitor, err := health.NewMonitor(s.Registry, health.WithInterval(cfg.ProbeInterval),
		health.WithTimeout(cfg.ProbeTimeout), health.WithLogger(log))
	if err != nil {
		_ = gwListener.Close()
		return nil, err
	}
	gwCaller, err := failover.NewCaller(failover.WithLogger(log))
	if err != nil {
		_ = gwListener.Close()
		return nil, err
	}
	gw, err := gateway.New(gwCaller, s.Registry, gateway.WithLender(lenderURL+"/borrow", "", cfg.LenderTimeout),
		gateway.WithLogger(log))
	if err != nil {
		_ = gwListener.Close()
		return nil, err
	}
	s.serveOn(gwListener, gateway.NewHandler(gw, s.hub, s.Registry).Routes())
	s.goRun(func() { _ = s.pub.Run(runCtx) })
	s.goRun(func() { _ = monitor.Run(runCtx) })
	s.sender = loadgen.NewHTTPSender(s.GatewayURL + "/requests")

	if err := s.waitReady(ctx, len(targets), cfg.ReadyTimeout); err != nil {
		return nil, err
	}
	ok = true
	return s, nil
}

func (s *Sandbox) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Sandbox) serve(h http.Handler) (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}
	s.serveOn(l, h)
	return "http://" + l.Addr().String(), nil
}

func (s *Sandbox) serveOn(l net.Listener, h http.Handler) {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	s.servers = append(s.servers, srv)
	s.goRun(func() { _ = srv.Serve(l) })
}

func (s *Sandbox) waitReady(ctx context.Context, consumers int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ready := s.hub.Stats().Subscribers >= consumers
		for _, c := range s.Registry.Consumers() {
			if c.Liveness() != health.Up {
				ready = false
			}
		}
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("sandbox not ready: consumers not up and subscribed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Close stops every node. It is safe to call more than once.
func (s *Sandbox) Close() {
	s.cancel()
	for _, srv := range s.servers {
		_ = srv.Close()
	}
	s.servers = nil
	if s.pub != nil {
		s.pub.Close()
	}
	s.wg.Wait()
}

// Send fills the client contract on op and posts it to the gateway.
func (s *Sandbox) Send(ctx context.Context, op loan.Operation) (loan.Result, error) {
	if err := loadgen.EnsureContract(&op, time.Now()); err != nil {
		return loan.Result{}, err
	}
	body, err := wire.Marshal(op)
	if err != nil {
		return loan.Result{}, err
	}
	return s.sender.Send(ctx, body)
}

// TakeFreeItems hands out items that were not lent by the fixture. Each item is
// handed out once.
func (s *Sandbox) TakeFreeItems(n int) []loan.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []loan.Item
	for ; s.nextFree < len(s.Fixture.Items) && len(out) < n; s.nextFree++ {
		if it := s.Fixture.Items[s.nextFree]; it.Available > 0 {
			out = append(out, it)
		}
	}
	return out
}

// TakeSeededLoans hands out fixture loans, each once.
func (s *Sandbox) TakeSeededLoans(n int) []loan.Loan {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := min(s.nextLoan+n, len(s.Fixture.Loans))
	out := append([]loan.Loan(nil), s.Fixture.Loans[s.nextLoan:end]...)
	s.nextLoan = end
	return out
}

// Backlog is the number of messages held for topic.
func (s *Sandbox) Backlog(topic string) int {
	c, ok := s.Registry.Consumer(topic)
	if !ok {
		return 0
	}
	return c.BacklogLen()
}

// WaitLiveness polls until the consumer of topic reaches want.
func (s *Sandbox) WaitLiveness(ctx context.Context, topic string, want health.Liveness, timeout time.Duration) error {
	c, ok := s.Registry.Consumer(topic)
	if !ok {
		return fmt.Errorf("no consumer for %s", topic)
	}
	deadline := time.Now().Add(timeout)
	for c.Liveness() != want {
		if time.Now().After(deadline) {
			return fmt.Errorf("consumer %s still %s, want %s", c.Name(), c.Liveness(), want)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// InventoryMismatches counts items whose available copies plus ACTIVE loans do
// not add up to their total, or whose availability is out of bounds.
func InventoryMismatches(store *storage.MemoryStore) int {
	active := make(map[[2]string]int)
	for _, l := range store.Loans() {
		if l.State == loan.StateActive {
			active[[2]string{l.ItemID, l.BranchID}]++
		}
	}
	bad := 0
	for _, it := range store.Items() {
		if it.Available < 0 || it.Available > it.Total ||
			it.Available+active[[2]string{it.ItemID, it.BranchID}] != it.Total {
			bad++
		}
	}
	return bad
}

// CountLoans counts loans in state, optionally restricted to one item.
func CountLoans(store *storage.MemoryStore, state loan.State, itemID string) int {
	n := 0
	for _, l := range store.Loans() {
		if l.State == state && (itemID == "" || l.ItemID == itemID) {
			n++
		}
	}
	return n
}
