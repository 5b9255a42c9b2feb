// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/prosopo/provider/api/v1"
	"github.com/prosopo/provider/merkle"
	"github.com/prosopo/provider/util"
)

const (
	providerClientID = "provider cli"
)

var (
	debug      = flag.Bool("debug", false, "Print JSON that is sent to server")
	printJSON  = flag.Bool("json", false, "Print JSON response from server")
	host       = flag.String("h", "", "Provider host")
	skipVerify = flag.Bool("k", false, "Do not verify the server certificate")
	user       = flag.String("user", "", "User account")
	dapp       = flag.String("dapp", "", "Dapp account")
	verbose    = flag.Bool("v", false, "Verbose")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: provider [flags] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "commands:\n")
	fmt.Fprintf(os.Stderr, "  status                      server version\n")
	fmt.Fprintf(os.Stderr, "  captcha <datasetid> [block] request captchas\n")
	fmt.Fprintf(os.Stderr, "  solution <file|->           submit a solution\n\n")
	fmt.Fprintf(os.Stderr, "flags:\n")
	flag.PrintDefaults()
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// getError returns the error that is embedded in a JSON reply.
func getError(r io.Reader) (string, error) {
	var e v1.ErrorReply
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&e); err != nil {
		return "", err
	}
	if e.Error == "" {
		return "", fmt.Errorf("no error response")
	}
	return e.Error, nil
}

func newClient(skipVerify bool) *http.Client {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: skipVerify,
	}
	tr := &http.Transport{
		TLSClientConfig: tlsConfig,
	}
	return &http.Client{Transport: tr}
}

// post sends payload to route and decodes the reply.  The raw reply is
// printed instead when -json is set, in which case false is returned.
func post(route string, payload, reply interface{}) (bool, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	if *debug {
		fmt.Println(string(b))
	}

	c := newClient(*skipVerify)
	r, err := c.Post(*host+route, "application/json", bytes.NewReader(b))
	if err != nil {
		return false, err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		e, err := getError(r.Body)
		if err != nil {
			return false, fmt.Errorf("%v", r.Status)
		}
		return false, fmt.Errorf("%v: %v", r.Status, e)
	}

	if *printJSON {
		io.Copy(os.Stdout, r.Body)
		fmt.Printf("\n")
		return false, nil
	}

	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(reply); err != nil {
		return false, fmt.Errorf("could not decode reply: %v", err)
	}
	return true, nil
}

func convertProof(proof [][]string) (merkle.Proof, error) {
	out := make(merkle.Proof, 0, len(proof))
	for _, step := range proof {
		hs := make([]merkle.Hash, 0, len(step))
		for _, s := range step {
			h, err := merkle.NewHashFromStr(s)
			if err != nil {
				return nil, err
			}
			hs = append(hs, h)
		}
		out = append(out, hs)
	}
	return out, nil
}

// verifyProof checks that the leaf is included under root.
func verifyProof(leaf string, proof [][]string, root merkle.Hash) bool {
	l, err := merkle.NewHashFromStr(leaf)
	if err != nil {
		return false
	}
	p, err := convertProof(proof)
	if err != nil {
		return false
	}
	return merkle.Verify(l, p, root)
}

func status() error {
	var sr v1.StatusReply
	ok, err := post(v1.StatusRoute, v1.Status{ID: providerClientID}, &sr)
	if err != nil || !ok {
		return err
	}
	fmt.Printf("%v version %v\n", *host, sr.Version)
	return nil
}

func captchas(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("captcha <datasetid> [block]")
	}
	if !v1.RegexpHash.MatchString(args[0]) {
		return fmt.Errorf("invalid dataset id: %v", args[0])
	}
	datasetID, err := merkle.NewHashFromStr(args[0])
	if err != nil {
		return err
	}
	var block uint64
	if len(args) == 2 {
		block, err = strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid block: %v", err)
		}
	}

	var gcr v1.GetCaptchasReply
	ok, err := post(v1.CaptchaRoute, v1.GetCaptchas{
		DatasetID:   args[0],
		UserAccount: *user,
		DappAccount: *dapp,
		BlockNumber: block,
	}, &gcr)
	if err != nil || !ok {
		return err
	}

	fmt.Printf("Request hash: %v\n", gcr.RequestHash)
	for _, c := range gcr.Captchas {
		proven := "OK"
		if !verifyProof(c.Captcha.CaptchaID, c.Proof, datasetID) {
			proven = "NOT IN DATASET"
		}
		fmt.Printf("%v %v %q %v\n", c.Captcha.CaptchaID, c.Captcha.Salt,
			c.Captcha.Target, proven)
		if !*verbose {
			continue
		}
		for k, item := range c.Captcha.Items {
			content := item.Text
			if content == "" {
				content = item.Path
			}
			fmt.Printf("  %2v %-5v %v\n", k, item.Type, content)
		}
	}
	return nil
}

func solution(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("solution <file|->")
	}
	var s v1.Solution
	if args[0] == "-" {
		if err := json.NewDecoder(os.Stdin).Decode(&s); err != nil {
			return err
		}
	} else if err := util.LoadJSONFile(args[0], &s); err != nil {
		return err
	}
	if s.UserAccount == "" {
		s.UserAccount = *user
	}
	if s.DappAccount == "" {
		s.DappAccount = *dapp
	}

	var sr v1.SolutionReply
	ok, err := post(v1.SolutionRoute, s, &sr)
	if err != nil || !ok {
		return err
	}

	fmt.Printf("%v: %v\n", sr.CommitmentID, sr.Message)
	if sr.Result != v1.ResultOK {
		return nil
	}
	commitmentID, err := merkle.NewHashFromStr(sr.CommitmentID)
	if err != nil {
		return err
	}
	for _, sp := range sr.Captchas {
		proven := "OK"
		if !verifyProof(sp.CaptchaID, sp.Proof, commitmentID) {
			proven = "NOT IN COMMITMENT"
		}
		fmt.Printf("  %v %v\n", sp.CaptchaID, proven)
	}
	return nil
}

func _main() error {
	flag.Usage = usage
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}
	if *host == "" {
		*host = cfg.Host
	}
	if *host == "" {
		*host = "localhost"
	}
	if *user == "" {
		*user = cfg.UserAccount
	}
	if *dapp == "" {
		*dapp = cfg.DappAccount
	}

	u, err := url.Parse("https://" + normalizeAddress(*host, v1.DefaultPort))
	if err != nil {
		return err
	}
	*host = u.String()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return fmt.Errorf("nothing to do")
	}
	switch args[0] {
	case "status":
		return status()
	case "captcha":
		return captchas(args[1:])
	case "solution":
		return solution(args[1:])
	}
	return fmt.Errorf("unknown command: %v", args[0])
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
