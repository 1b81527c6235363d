package system_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sarchlab/comaring/config"
	"github.com/sarchlab/comaring/system"
)

var _ = Describe("System", func() {
	It("rejects an invalid configuration before wiring anything", func() {
		cfg := config.DefaultConfig()
		cfg.NumRootDirectories = 5 // does not divide L2CacheNumSets
		_, err := system.New(cfg, prometheus.NewRegistry(), nil)
		Expect(err).To(HaveOccurred())
	})

	It("wires a default configuration and runs without panicking", func() {
		cfg := config.DefaultConfig()
		sys, err := system.New(cfg, prometheus.NewRegistry(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(sys.Caches).To(HaveLen(cfg.NumL2CachesPerRing))
		Expect(sys.Roots).To(HaveLen(cfg.NumRootDirectories))

		Expect(sys.Caches[0].Read(0, 1, 0)).To(BeTrue())

		_, err = sys.Engine.Run(context.Background(), 500)
		Expect(err).NotTo(HaveOccurred())
	})
})
