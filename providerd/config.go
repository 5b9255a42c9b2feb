// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/prosopo/provider/api/v1"
	"github.com/robfig/cron"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "providerd.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "providerd.log"

	backendFilesystem = "filesystem"
	backendPostgres   = "postgres"
	backendMemory     = "memory"

	defaultBackend           = backendFilesystem
	defaultPostgresUser      = "providerd"
	defaultPostgresDBName    = "providerd"
	defaultSolvedCount       = 2
	defaultUnsolvedCount     = 1
	defaultPendingTTL        = 10 * time.Minute
	defaultRequiredSolutions = 3
	defaultWinningPercentage = 80
	defaultAggregateSchedule = "@hourly"
	defaultLedgerTimeout     = 30 * time.Second
)

var (
	defaultHomeDir       = dcrutil.AppDataDir("providerd", false)
	defaultConfigFile    = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir       = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultHTTPSKeyFile  = filepath.Join(defaultHomeDir, "https.key")
	defaultHTTPSCertFile = filepath.Join(defaultHomeDir, "https.cert")
	defaultLogDir        = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for providerd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	HomeDir     string   `short:"A" long:"appdata" description:"Path to application home directory"`
	ShowVersion bool     `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string   `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string   `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string   `long:"logdir" description:"Directory to log output."`
	DebugLevel  string   `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Listeners   []string `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces port: 49160)"`
	HTTPSCert   string   `long:"httpscert" description:"File containing the https certificate file"`
	HTTPSKey    string   `long:"httpskey" description:"File containing the https certificate key"`
	Origins     []string `long:"allowedorigin" description:"Allow cross origin requests from this origin, may be repeated"`

	Backend          string `long:"backend" description:"Storage backend 'filesystem'/'postgres'/'memory'"`
	PostgresHost     string `long:"postgreshost" description:"Postgres ip:port"`
	PostgresUser     string `long:"postgresuser" description:"Postgres user"`
	PostgresDBName   string `long:"postgresdbname" description:"Postgres database name"`
	PostgresRootCert string `long:"postgresrootcert" description:"File containing the CA certificate for postgres"`
	PostgresCert     string `long:"postgrescert" description:"File containing the providerd client certificate for postgres"`
	PostgresKey      string `long:"postgreskey" description:"File containing the providerd client certificate key for postgres"`

	LedgerHost    string        `long:"ledgerhost" description:"Contract gateway ip:port"`
	LedgerCert    string        `long:"ledgercert" description:"Certificate path for the contract gateway, plaintext when empty"`
	LedgerAccount string        `long:"ledgeraccount" description:"Provider account used to sign contract transactions"`
	LedgerTimeout time.Duration `long:"ledgertimeout" description:"Timeout for a single contract call"`

	DatasetFile       string        `long:"datasetfile" description:"Dataset file to ingest at start up, updated with promoted solutions"`
	SolvedCount       int           `long:"solvedcount" description:"Number of solved captchas issued per challenge"`
	UnsolvedCount     int           `long:"unsolvedcount" description:"Number of unsolved captchas issued per challenge"`
	PendingTTL        time.Duration `long:"pendingttl" description:"How long an issued challenge may be answered, 0 for no limit"`
	RequiredSolutions int           `long:"requiredsolutions" description:"Submissions needed before an unsolved captcha is considered for promotion"`
	WinningPercentage int           `long:"winningpercentage" description:"Percentage of required submissions that must agree to promote a solution"`
	AggregateSchedule string        `long:"aggregateschedule" description:"Cron schedule for solution promotion, empty to disable"`
	NoProviderCheck   bool          `long:"noprovidercheck" description:"Do not verify on the ledger that the user was assigned to this provider"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if !validLogLevel(debugLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", debugLevel)
		}
		setLogLevels(debugLevel)
		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return fmt.Errorf("the specified debug level contains "+
				"an invalid subsystem/level pair [%v]",
				logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]
		if _, exists := subsystemLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsytems %v", subsysID,
				supportedSubsystems())
		}
		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}
		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// normalizeAddresses returns addrs with the default port added to any
// address that lacks one.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	out := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, defaultPort)
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// defaultConfig returns a config with every default set.
func defaultConfig() config {
	return config{
		HomeDir:           defaultHomeDir,
		ConfigFile:        defaultConfigFile,
		DebugLevel:        defaultLogLevel,
		DataDir:           defaultDataDir,
		LogDir:            defaultLogDir,
		HTTPSKey:          defaultHTTPSKeyFile,
		HTTPSCert:         defaultHTTPSCertFile,
		Backend:           defaultBackend,
		PostgresUser:      defaultPostgresUser,
		PostgresDBName:    defaultPostgresDBName,
		LedgerTimeout:     defaultLedgerTimeout,
		SolvedCount:       defaultSolvedCount,
		UnsolvedCount:     defaultUnsolvedCount,
		PendingTTL:        defaultPendingTTL,
		RequiredSolutions: defaultRequiredSolutions,
		WinningPercentage: defaultWinningPercentage,
		AggregateSchedule: defaultAggregateSchedule,
	}
}

// validateConfig checks the option values that do not depend on the file
// system and fills in the listener default.
func validateConfig(cfg *config) error {
	switch cfg.Backend {
	case backendFilesystem, backendMemory:
	case backendPostgres:
		if cfg.PostgresHost == "" {
			return errors.New("postgres backend requires " +
				"--postgreshost")
		}
		certs := 0
		for _, f := range []string{cfg.PostgresRootCert,
			cfg.PostgresCert, cfg.PostgresKey} {
			if f != "" {
				certs++
			}
		}
		if certs != 0 && certs != 3 {
			return errors.New("postgres TLS requires " +
				"--postgresrootcert, --postgrescert and " +
				"--postgreskey")
		}
	default:
		return fmt.Errorf("invalid backend %q", cfg.Backend)
	}

	if cfg.LedgerHost == "" {
		return errors.New("--ledgerhost is required")
	}
	if cfg.LedgerAccount == "" {
		return errors.New("--ledgeraccount is required")
	}
	if cfg.SolvedCount < 1 {
		return fmt.Errorf("--solvedcount must be at least 1: %v",
			cfg.SolvedCount)
	}
	if cfg.UnsolvedCount < 0 {
		return fmt.Errorf("--unsolvedcount may not be negative: %v",
			cfg.UnsolvedCount)
	}
	if cfg.PendingTTL < 0 {
		return fmt.Errorf("--pendingttl may not be negative: %v",
			cfg.PendingTTL)
	}
	if cfg.RequiredSolutions < 1 {
		return fmt.Errorf("--requiredsolutions must be at least 1: %v",
			cfg.RequiredSolutions)
	}
	if cfg.WinningPercentage < 1 || cfg.WinningPercentage > 100 {
		return fmt.Errorf("--winningpercentage must be between 1 and "+
			"100: %v", cfg.WinningPercentage)
	}
	if cfg.AggregateSchedule != "" {
		if _, err := cron.Parse(cfg.AggregateSchedule); err != nil {
			return fmt.Errorf("--aggregateschedule: %v", err)
		}
	}

	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{net.JoinHostPort("", v1.DefaultPort)}
	}
	cfg.Listeners = normalizeAddresses(cfg.Listeners, v1.DefaultPort)

	return nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in providerd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version())
		os.Exit(0)
	}

	// Update the home directory for providerd if specified.  Since the
	// home directory is updated, other variables need to be updated to
	// reflect the new changes.
	if preCfg.HomeDir != "" {
		cfg.HomeDir, _ = filepath.Abs(cleanAndExpandPath(preCfg.HomeDir))

		if preCfg.ConfigFile == defaultConfigFile {
			preCfg.ConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir,
				defaultDataDirname)
		}
		if preCfg.HTTPSKey == defaultHTTPSKeyFile {
			cfg.HTTPSKey = filepath.Join(cfg.HomeDir, "https.key")
		}
		if preCfg.HTTPSCert == defaultHTTPSCertFile {
			cfg.HTTPSCert = filepath.Join(cfg.HomeDir, "https.cert")
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir,
				defaultLogDirname)
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(
		cleanAndExpandPath(preCfg.ConfigFile))
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n",
				err)
			fmt.Fprintln(os.Stderr, "Use "+appName+" -h to show usage")
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, "Use "+appName+" -h to show usage")
		}
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	funcName := "loadConfig"
	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		var e *os.PathError
		if errors.As(err, &e) && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		str := "%s: failed to create home directory: %v"
		err := fmt.Errorf(str, funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.HTTPSKey = cleanAndExpandPath(cfg.HTTPSKey)
	cfg.HTTPSCert = cleanAndExpandPath(cfg.HTTPSCert)
	if cfg.DatasetFile != "" {
		cfg.DatasetFile = cleanAndExpandPath(cfg.DatasetFile)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	if err := validateConfig(&cfg); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
