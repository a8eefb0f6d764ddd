// flute_retriever serves the unicast recovery endpoints next to a running
// flute_sender: GET /fdt hands out the last.fdt mirror, POST /alc re-packs
// missing symbols from the files under the content root.
package main

import (
	"flag"

	"github.com/sirupsen/logrus"

	"github.com/idlab-discover/5GBDash/pkg/metrics"
	"github.com/idlab-discover/5GBDash/pkg/oti"
	"github.com/idlab-discover/5GBDash/pkg/recovery"
	"github.com/idlab-discover/5GBDash/pkg/transmitter"
	"github.com/idlab-discover/5GBDash/pkg/transport"
)

func main() {
	addr := flag.String("listen", ":8085", "listen address for the recovery endpoints")
	tsi := flag.Uint("tsi", 0, "transport session identifier")
	mtu := flag.Uint("mtu", transport.DefaultMTU, "path MTU the session uses")
	fec := flag.String("fec", "no_code", "FEC scheme: no_code, raptor or reed_solomon_gf28")
	root := flag.String("root", ".", "directory the served files live under")
	fdtPath := flag.String("fdt", transmitter.DefaultLastFdtPath, "path to the transmitter's FDT mirror")
	flag.Parse()

	log := logrus.WithField("process", "flute_retriever")

	scheme := oti.CompactNoCode
	switch *fec {
	case "raptor":
		scheme = oti.Raptor
	case "reed_solomon_gf28":
		scheme = oti.ReedSolomonGF28
	}

	mets := metrics.New()
	retriever := recovery.NewRetriever(uint16(*tsi), *mtu, scheme, mets)
	server := recovery.NewServer(retriever, recovery.DirContentSource{Root: *root}, *fdtPath)

	log.Infof("serving /fdt and /alc on %s", *addr)
	if err := server.ListenAndServe(*addr); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}
