package config

import (
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SchedulerConfig", func() {
	var (
		config      *SchedulerConfig
		envVars     = []string{"DATABASE_URL", "GITHUB_TOKEN", "SCAN_INTERVAL", "TOP_REPOS_COUNT", "DEBUG_MODE"}
		savedValues map[string]string
	)

	BeforeEach(func() {
		config = DefaultSchedulerConfig()
		savedValues = map[string]string{}
		for _, name := range envVars {
			savedValues[name] = os.Getenv(name)
			os.Unsetenv(name)
		}
	})

	AfterEach(func() {
		for name, value := range savedValues {
			if value == "" {
				os.Unsetenv(name)
			} else {
				os.Setenv(name, value)
			}
		}
	})

	Describe("DefaultSchedulerConfig", func() {
		It("matches the authoritative defaults", func() {
			Expect(config.ScanInterval).To(Equal(86400))
			Expect(config.TopReposCount).To(Equal(10000))
			Expect(config.DebugMode).To(BeFalse())
		})
	})

	Describe("LoadFromEnv", func() {
		It("overlays set variables", func() {
			os.Setenv("DATABASE_URL", "postgres://localhost/db")
			os.Setenv("SCAN_INTERVAL", "3600")
			os.Setenv("TOP_REPOS_COUNT", "50")
			os.Setenv("DEBUG_MODE", "true")

			config.LoadFromEnv()

			Expect(config.DatabaseURL).To(Equal("postgres://localhost/db"))
			Expect(config.ScanInterval).To(Equal(3600))
			Expect(config.TopReposCount).To(Equal(50))
			Expect(config.DebugMode).To(BeTrue())
		})

		It("keeps defaults for unparseable numeric values", func() {
			os.Setenv("SCAN_INTERVAL", "not-a-number")
			config.LoadFromEnv()
			Expect(config.ScanInterval).To(Equal(86400))
		})
	})

	Describe("Validate", func() {
		It("requires DATABASE_URL outside debug mode", func() {
			err := config.Validate()
			Expect(err).To(HaveOccurred())
		})

		It("allows an empty DATABASE_URL in debug mode", func() {
			config.DebugMode = true
			Expect(config.Validate()).NotTo(HaveOccurred())
		})

		It("passes with a database URL set", func() {
			config.DatabaseURL = "postgres://localhost/db"
			Expect(config.Validate()).NotTo(HaveOccurred())
		})
	})
})
