// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prosopo/provider/api/v1"
	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
	"github.com/prosopo/provider/providerd/backend"
	"github.com/prosopo/provider/providerd/backend/filesystem"
	"github.com/prosopo/provider/providerd/backend/memory"
	"github.com/prosopo/provider/providerd/backend/postgres"
	"github.com/prosopo/provider/providerd/ledger"
	"github.com/prosopo/provider/providerd/tasks"
	"github.com/prosopo/provider/util"
	"github.com/robfig/cron"
)

const forward = "X-Forwarded-For"

// provider application context.
type provider struct {
	cfg     *config
	backend backend.Backend
	ledger  ledger.Ledger
	tasks   *tasks.Tasks
	router  *mux.Router

	sync.Mutex // Serializes dataset file rewrites
}

// via returns the remote address of r for audit logging.
func via(r *http.Request) string {
	xff := r.Header.Get(forward)
	if xff != "" {
		return fmt.Sprintf("%v via %v", xff, r.RemoteAddr)
	}
	return r.RemoteAddr
}

// respondWithFailure logs err with a time based error code and hands the
// code to the client.  Dependency failures are reported as transient.
func respondWithFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	errorCode := time.Now().Unix()
	log.Errorf("%v %v error code %v: %v", via(r), op, errorCode, err)

	var derr *tasks.DependencyError
	if errors.As(err, &derr) {
		util.RespondWithError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("Service unavailable, please try again "+
				"later and provide the following error code "+
				"if the problem persists: %v", errorCode))
		return
	}
	util.RespondWithError(w, http.StatusInternalServerError,
		fmt.Sprintf("Could not process request, contact "+
			"administrator and provide the following "+
			"error code: %v", errorCode))
}

func convertProof(proof merkle.Proof) [][]string {
	out := make([][]string, 0, len(proof))
	for _, step := range proof {
		s := make([]string, 0, len(step))
		for _, h := range step {
			s = append(s, h.String())
		}
		out = append(out, s)
	}
	return out
}

func convertCaptcha(c *captcha.Captcha) v1.Captcha {
	items := make([]v1.Item, 0, len(c.Items))
	for _, item := range c.Items {
		items = append(items, v1.Item{
			Type: item.Type,
			Text: item.Text,
			Path: item.Path,
		})
	}
	return v1.Captcha{
		CaptchaID: c.CaptchaID.String(),
		DatasetID: c.DatasetID.String(),
		Index:     c.Index,
		Target:    c.Target,
		Items:     items,
		Salt:      c.Salt,
	}
}

// convertHash parses a wire hash.  Only the 0x prefixed hex form is
// accepted.
func convertHash(s string) (merkle.Hash, error) {
	if !v1.RegexpHash.MatchString(s) {
		return merkle.Hash{}, merkle.ErrInvalidHash
	}
	return merkle.NewHashFromStr(s)
}

func convertSolutions(solutions []v1.CaptchaSolution) ([]captcha.CaptchaSolution, error) {
	out := make([]captcha.CaptchaSolution, 0, len(solutions))
	for _, s := range solutions {
		id, err := convertHash(s.CaptchaID)
		if err != nil {
			return nil, err
		}
		out = append(out, captcha.CaptchaSolution{
			CaptchaID: id,
			Solution:  s.Solution,
			Salt:      s.Salt,
		})
	}
	return out, nil
}

// status returns the server version.
func (p *provider) status(w http.ResponseWriter, r *http.Request) {
	var s v1.Status
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&s); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	util.RespondWithJSON(w, http.StatusOK, v1.StatusReply{
		ID:      s.ID,
		Version: version(),
	})
}

// getCaptchas issues a challenge to a user.
func (p *provider) getCaptchas(w http.ResponseWriter, r *http.Request) {
	var gc v1.GetCaptchas
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&gc); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	datasetID, err := convertHash(gc.DatasetID)
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid dataset id")
		return
	}
	if gc.UserAccount == "" || gc.DappAccount == "" {
		util.RespondWithError(w, http.StatusBadRequest,
			"Missing account")
		return
	}

	ctx := r.Context()
	if !p.cfg.NoProviderCheck {
		err := p.tasks.ValidateProviderWasRandomlyChosen(ctx,
			gc.UserAccount, datasetID, gc.BlockNumber)
		if errors.Is(err, tasks.ErrInvalidDatasetID) {
			util.RespondWithError(w, http.StatusBadRequest,
				"Invalid dataset id")
			return
		} else if err != nil {
			respondWithFailure(w, r, "getCaptchas", err)
			return
		}
	}

	ch, err := p.tasks.IssueChallenge(ctx, datasetID, gc.UserAccount,
		p.cfg.SolvedCount, p.cfg.UnsolvedCount)
	switch {
	case errors.Is(err, tasks.ErrDatasetNotFound),
		errors.Is(err, tasks.ErrNoCaptchas):
		util.RespondWithError(w, http.StatusNotFound,
			"Dataset not found")
		return
	case err != nil:
		respondWithFailure(w, r, "getCaptchas", err)
		return
	}

	reply := v1.GetCaptchasReply{
		Captchas:    make([]v1.CaptchaWithProof, 0, len(ch.Captchas)),
		RequestHash: ch.RequestHash.String(),
	}
	for k := range ch.Captchas {
		reply.Captchas = append(reply.Captchas, v1.CaptchaWithProof{
			Captcha: convertCaptcha(&ch.Captchas[k].Captcha),
			Proof:   convertProof(ch.Captchas[k].Proof),
		})
	}

	log.Infof("Captchas %v: %v issued %v to %v", via(r), datasetID,
		ch.RequestHash, gc.UserAccount)

	util.RespondWithJSON(w, http.StatusOK, reply)
}

// solution verifies a user's solutions and settles the commitment.
func (p *provider) solution(w http.ResponseWriter, r *http.Request) {
	var s v1.Solution
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&s); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	requestHash, err := convertHash(s.RequestHash)
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request hash")
		return
	}
	solutions, err := convertSolutions(s.Captchas)
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid captcha id")
		return
	}
	if s.UserAccount == "" || s.DappAccount == "" {
		util.RespondWithError(w, http.StatusBadRequest,
			"Missing account")
		return
	}

	res, err := p.tasks.DappUserSolution(r.Context(), &tasks.SolutionRequest{
		UserAccount: s.UserAccount,
		DappAccount: s.DappAccount,
		RequestHash: requestHash,
		BlockHash:   s.BlockHash,
		TxHash:      s.TxHash,
		Captchas:    solutions,
	})
	switch {
	case errors.Is(err, tasks.ErrBadRequest):
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid solution")
		return
	case errors.Is(err, tasks.ErrDappNotActive):
		util.RespondWithError(w, http.StatusForbidden,
			"Dapp not active")
		return
	case err != nil:
		respondWithFailure(w, r, "solution", err)
		return
	}

	// The reason for a rejection is only logged.
	log.Infof("Solution %v: %v %v %v", via(r), s.UserAccount,
		requestHash, res.Status)

	reply := v1.SolutionReply{
		Result:       v1.ResultRejected,
		Message:      v1.Result[v1.ResultRejected],
		CommitmentID: res.CommitmentID.String(),
		Captchas:     []v1.SolutionProof{},
	}
	if res.Status == tasks.StatusApproved {
		reply.Result = v1.ResultOK
		reply.Message = v1.Result[v1.ResultOK]
		for _, sp := range res.Proofs {
			reply.Captchas = append(reply.Captchas, v1.SolutionProof{
				CaptchaID: sp.CaptchaID.String(),
				Proof:     convertProof(sp.Proof),
			})
		}
	}
	util.RespondWithJSON(w, http.StatusOK, reply)
}

// handler returns the router wrapped in the access log and the optional
// cross origin policy.
func (p *provider) handler() http.Handler {
	var h http.Handler = p.router
	if len(p.cfg.Origins) != 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(p.cfg.Origins),
			handlers.AllowedMethods([]string{"POST"}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		)(h)
	}
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(
		recoveryLogger{}))(h)
	return handlers.CombinedLoggingHandler(logWriter{}, h)
}

// recoveryLogger routes handler panics to the daemon log.
type recoveryLogger struct{}

func (recoveryLogger) Println(args ...interface{}) {
	log.Error(args...)
}

func newProvider(cfg *config, b backend.Backend, l ledger.Ledger) *provider {
	p := &provider{
		cfg:     cfg,
		backend: b,
		ledger:  l,
		tasks: tasks.New(b, l, &tasks.Config{
			PendingTTL:        cfg.PendingTTL,
			RequiredSolutions: cfg.RequiredSolutions,
			WinningPercentage: cfg.WinningPercentage,
		}),
		router: mux.NewRouter(),
	}
	p.router.HandleFunc(v1.StatusRoute, p.status).Methods("POST")
	p.router.HandleFunc(v1.CaptchaRoute, p.getCaptchas).Methods("POST")
	p.router.HandleFunc(v1.SolutionRoute, p.solution).Methods("POST")
	return p
}

// openBackend opens the configured storage backend.
func openBackend(ctx context.Context, cfg *config) (backend.Backend, error) {
	switch cfg.Backend {
	case backendFilesystem:
		return filesystem.New(cfg.DataDir)
	case backendPostgres:
		return postgres.New(ctx, cfg.PostgresUser, cfg.PostgresHost,
			cfg.PostgresDBName, cfg.PostgresRootCert,
			cfg.PostgresCert, cfg.PostgresKey)
	case backendMemory:
		log.Warnf("Memory backend: nothing is persisted")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("invalid backend %q", cfg.Backend)
}

func _main() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	loadedCfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version : %v", version())
	log.Infof("Backend : %v", loadedCfg.Backend)
	log.Infof("Account : %v", loadedCfg.LedgerAccount)
	log.Infof("Home dir: %v", loadedCfg.HomeDir)

	// Create the data directory in case it does not exist.
	err = os.MkdirAll(loadedCfg.DataDir, 0700)
	if err != nil {
		return err
	}

	// Generate the TLS cert and key file if both don't already
	// exist.
	if !util.FileExists(loadedCfg.HTTPSKey) &&
		!util.FileExists(loadedCfg.HTTPSCert) {
		log.Infof("Generating HTTPS keypair...")

		err := util.GenCertPair("providerd", loadedCfg.HTTPSCert,
			loadedCfg.HTTPSKey)
		if err != nil {
			return fmt.Errorf("unable to create https keypair: %v",
				err)
		}

		log.Infof("HTTPS keypair created...")
	}

	ctx := context.Background()

	// Setup backend and ledger.
	b, err := openBackend(ctx, loadedCfg)
	if err != nil {
		return err
	}
	defer b.Close()

	l, err := ledger.New(loadedCfg.LedgerHost, loadedCfg.LedgerCert,
		loadedCfg.LedgerAccount, loadedCfg.LedgerTimeout)
	if err != nil {
		return err
	}
	defer l.Close()

	p := newProvider(loadedCfg, b, l)

	if loadedCfg.DatasetFile != "" {
		if err := p.loadDatasetFile(ctx); err != nil {
			return err
		}
	}

	// Promote crowd solutions on a schedule.
	if loadedCfg.AggregateSchedule != "" {
		c := cron.New()
		err := c.AddFunc(loadedCfg.AggregateSchedule, func() {
			p.aggregate(context.Background())
		})
		if err != nil {
			return err
		}
		c.Start()
		defer c.Stop()
	}

	// Bind to a port and pass our router in
	h := p.handler()
	servers := make([]*http.Server, 0, len(loadedCfg.Listeners))
	listenC := make(chan error, len(loadedCfg.Listeners))
	for _, listener := range loadedCfg.Listeners {
		srv := &http.Server{
			Addr:              listener,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)
		go func() {
			log.Infof("Listen: %v", srv.Addr)
			listenC <- srv.ListenAndServeTLS(loadedCfg.HTTPSCert,
				loadedCfg.HTTPSKey)
		}()
	}

	// Tell user we are ready to go.
	log.Infof("Start of day")

	// Setup OS signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Infof("Terminating with %v", sig)
	case err := <-listenC:
		log.Errorf("%v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		srv.Shutdown(shutdownCtx)
	}

	log.Infof("Exiting")

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
