package config_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/comaring/config"
)

var _ = Describe("Config", func() {
	It("validates a default configuration cleanly", func() {
		Expect(config.DefaultConfig().Validate()).NotTo(HaveOccurred())
	})

	It("rejects a cache line size that is not a power of two", func() {
		cfg := config.DefaultConfig()
		cfg.CacheLineSize = 100
		Expect(cfg.Validate()).To(HaveOccurred())
	})

	It("rejects a root directory count that does not divide the set count", func() {
		cfg := config.DefaultConfig()
		cfg.L2CacheNumSets = 16
		cfg.NumRootDirectories = 3
		err := cfg.Validate()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("must evenly divide"))
	})

	It("collects every validation error instead of stopping at the first", func() {
		cfg := &config.Config{}
		err := cfg.Validate()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("CacheLineSize"))
		Expect(err.Error()).To(ContainSubstring("L2CacheAssociativity"))
	})

	It("reports NumTokens as the cache count", func() {
		cfg := config.DefaultConfig()
		cfg.NumL2CachesPerRing = 7
		Expect(cfg.NumTokens()).To(Equal(7))
	})

	It("round-trips through a JSON file", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "cfg.json")

		cfg := config.DefaultConfig()
		cfg.NumL2CachesPerRing = 8
		Expect(cfg.SaveConfig(path)).NotTo(HaveOccurred())

		loaded, err := config.LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.NumL2CachesPerRing).To(Equal(8))
	})

	It("fails to load a nonexistent file", func() {
		_, err := config.LoadConfig(filepath.Join(os.TempDir(), "does-not-exist-comaring.json"))
		Expect(err).To(HaveOccurred())
	})
})
