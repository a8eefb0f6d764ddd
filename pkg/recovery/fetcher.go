// Package recovery implements the unicast repair side-channel: the Fetcher
// (client half) re-requests missing symbols and the FDT over HTTP, and the
// Retriever (server half) answers with the symbols re-packed as ALC
// frames.
package recovery

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/idlab-discover/5GBDash/pkg/metrics"
	"github.com/idlab-discover/5GBDash/pkg/oti"
)

var log = logrus.WithField("process", "fetcher")

// frameSeparator terminates every frame of the recovery protocol.
const frameSeparator = "\r\n\r\n"

// alcFramePrefix starts every ALC frame in a /alc response body.
const alcFramePrefix = "ALC "

// slowRequestCutoff invalidates the bandwidth sample of a request that
// dragged on too long.
const slowRequestCutoff = 60 * time.Second

// AlcCallback receives one recovered ALC packet (prefix stripped).
type AlcCallback func(alcData []byte)

// FdtCallback receives a freshly fetched serialized FDT.
type FdtCallback func(fdtData []byte)

// Fetcher issues the unicast recovery requests for one receiver. All HTTP
// I/O runs on one shared worker goroutine; an empty URL disables fetching
// entirely.
type Fetcher struct {
	rawURL string
	base   *url.URL

	client *http.Client
	mets   *metrics.Metrics

	alcCb AlcCallback
	fdtCb FdtCallback

	jobs     chan func()
	stopOnce sync.Once
	done     chan struct{}
}

// NewFetcher builds a fetcher for a base URL of the form
// scheme://host[:port]/path. An empty URL yields a disabled fetcher.
func NewFetcher(rawURL string, mets *metrics.Metrics) (*Fetcher, error) {
	f := &Fetcher{
		rawURL: rawURL,
		client: &http.Client{},
		mets:   mets,
		jobs:   make(chan func(), 64),
		done:   make(chan struct{}),
	}
	if rawURL == "" {
		log.Debug("fetcher is disabled")
		close(f.done)
		return f, nil
	}

	base, err := url.Parse(rawURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("invalid retrieval URL: %s", rawURL)
	}
	f.base = base

	go func() {
		defer close(f.done)
		log.Info("fetcher worker started")
		for job := range f.jobs {
			job()
		}
		log.Info("fetcher worker stopped")
	}()

	log.Infof("fetcher created for URL %s", rawURL)
	return f, nil
}

// Close stops the worker after the queued requests drain.
func (f *Fetcher) Close() {
	f.stopOnce.Do(func() {
		if f.base != nil {
			close(f.jobs)
		}
	})
	<-f.done
}

func (f *Fetcher) Enabled() bool { return f.base != nil }

func (f *Fetcher) RegisterAlcCallback(cb AlcCallback) { f.alcCb = cb }
func (f *Fetcher) RegisterFdtCallback(cb FdtCallback) { f.fdtCb = cb }

// enqueue hands a request to the worker without blocking the caller.
func (f *Fetcher) enqueue(job func()) {
	select {
	case f.jobs <- job:
	default:
		log.Warn("fetcher queue full, dropping request")
	}
}

// FetchFdt re-pulls the latest FDT from the /fdt endpoint and delivers it
// through the FDT callback.
func (f *Fetcher) FetchFdt() {
	if !f.Enabled() || f.fdtCb == nil {
		log.Debug("not fetching the missing FDT")
		return
	}
	target := *f.base
	target.Path = "/fdt"

	f.enqueue(func() {
		body, err := f.get(target.String())
		if err != nil {
			log.WithError(err).Warn("failed to fetch missing FDT")
			return
		}
		// The body ends with the frame separator.
		body = bytes.TrimSuffix(body, []byte(frameSeparator))
		if len(body) == 0 {
			return
		}
		log.Tracef("received %d FDT bytes", len(body))
		f.fdtCb(body)
	})
}

// FetchAlcs posts the missing-symbol descriptor of one object and feeds
// every returned ALC frame through the ALC callback.
func (f *Fetcher) FetchAlcs(toi uint32, scheme oti.FecScheme, contentLocation string, missing map[uint16][]uint16) {
	if !f.Enabled() || len(missing) == 0 || f.alcCb == nil {
		log.Info("not fetching the missing symbols")
		return
	}

	missingOut := make(map[string][]string, len(missing))
	for sbn, esis := range missing {
		if len(esis) == 0 {
			continue
		}
		ids := make([]string, 0, len(esis))
		for _, esi := range esis {
			ids = append(ids, strconv.Itoa(int(esi)))
		}
		missingOut[strconv.Itoa(int(sbn))] = ids
	}
	if len(missingOut) == 0 {
		log.Debugf("no symbols to fetch for TOI %d", toi)
		return
	}

	payload, err := json.Marshal(alcRequest{
		Toi:     strconv.Itoa(int(toi)),
		File:    contentLocation,
		Fec:     strconv.Itoa(int(scheme)),
		Missing: missingOut,
	})
	if err != nil {
		log.WithError(err).Warn("failed to encode missing-symbol request")
		return
	}

	target := *f.base
	if target.Path == "" || target.Path == "/" {
		target.Path = "/alc"
	}

	log.Tracef("fetching missing symbols for TOI %d", toi)
	f.enqueue(func() {
		body, err := f.post(target.String(), payload)
		if err != nil {
			log.WithError(err).Warn("failed to fetch missing symbols")
			return
		}
		for _, frame := range bytes.Split(body, []byte(frameSeparator)) {
			if len(frame) == 0 {
				continue
			}
			if !bytes.HasPrefix(frame, []byte(alcFramePrefix)) {
				log.Warn("received ALC data without the ALC prefix")
				continue
			}
			f.alcCb(frame[len(alcFramePrefix):])
		}
	})
}

// alcRequest is the JSON body of a POST /alc request. All numbers travel
// as strings.
type alcRequest struct {
	Toi     string              `json:"toi"`
	File    string              `json:"file"`
	Fec     string              `json:"fec"`
	Missing map[string][]string `json:"missing"`
}

func (f *Fetcher) get(target string) ([]byte, error) {
	start := time.Now()
	resp, err := f.client.Get(target)
	if err != nil {
		f.recordRequest(0, 0)
		return nil, err
	}
	defer resp.Body.Close()
	return f.consume(resp, start)
}

func (f *Fetcher) post(target string, body []byte) ([]byte, error) {
	start := time.Now()
	resp, err := f.client.Post(target, "application/json", bytes.NewReader(body))
	if err != nil {
		f.recordRequest(0, 0)
		return nil, err
	}
	defer resp.Body.Close()
	return f.consume(resp, start)
}

func (f *Fetcher) consume(resp *http.Response, start time.Time) ([]byte, error) {
	if resp.StatusCode != http.StatusOK {
		f.recordRequest(0, 0)
		return nil, errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	latency := time.Since(start)
	if err != nil {
		f.recordRequest(0, latency)
		return nil, err
	}
	f.recordRequest(len(body), latency)
	return body, nil
}

// recordRequest stores the latency and bandwidth gauges. Requests that
// received nothing or ran past the cutoff report zero bandwidth.
func (f *Fetcher) recordRequest(bytesRecvd int, latency time.Duration) {
	f.mets.GetOrCreateGauge("fetcher_latency").Set(float64(latency.Microseconds()))

	bandwidth := f.mets.GetOrCreateGauge("fetcher_bandwidth")
	if bytesRecvd > 0 && latency > 0 && latency < slowRequestCutoff {
		kbps := float64(bytesRecvd) / latency.Seconds() * 8.0 / 1000.0
		bandwidth.Set(kbps)
		log.Debugf("fetcher finished, received %d bytes in %s (%.3f kbps)", bytesRecvd, latency, kbps)
	} else {
		bandwidth.Set(0)
	}
}
