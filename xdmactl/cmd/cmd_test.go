package cmd

import (
	"bytes"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/xdma/config"
)

const testPlatform = `
logging:
  level: error
memory:
  capacity: 4194304
controllers:
  - name: DMA0
    engine: pl330
    channels: 2
  - name: TX
    engine: softdma
  - name: ETR
    engine: tmc
    buffer_size: 4096
workload:
  transfers: 4
  size: 128
  depth: 2
`

var _ = Describe("xdmactl", func() {
	var (
		dir string
		out *bytes.Buffer
	)

	execute := func(args ...string) error {
		out = new(bytes.Buffer)
		rootCmd.SetOut(out)
		rootCmd.SetErr(out)
		rootCmd.SetArgs(args)

		return rootCmd.Execute()
	}

	writeConfig := func(content string) string {
		p := filepath.Join(dir, "xdma.yml")
		Expect(os.WriteFile(p, []byte(content), 0o644)).To(Succeed())

		return p
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("should print the version", func() {
		Expect(execute("version")).To(Succeed())
		Expect(out.String()).To(HavePrefix("xdmactl "))
	})

	It("should list controllers", func() {
		p := writeConfig(testPlatform)

		Expect(execute("inspect", "-c", p, "--env=")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("DMA0"))
		Expect(out.String()).To(ContainSubstring("DMA0.PL330"))
		Expect(out.String()).To(ContainSubstring("ETR.TMC"))
		Expect(out.String()).To(ContainSubstring("FIFO"))
	})

	It("should run the workload and write a trace", func() {
		p := writeConfig(testPlatform + `
trace:
  enabled: true
  path: ` + filepath.Join(dir, "trace") + "\n")

		Expect(execute("run", "-c", p, "--env=")).To(Succeed())
		Expect(out.String()).To(MatchRegexp(`DMA0\s+pl330\s+8\s+0\s+1024`))
		Expect(out.String()).To(MatchRegexp(`TX\s+softdma\s+4\s+0\s+512`))
		Expect(out.String()).To(ContainSubstring("tasks written to"))
		Expect(filepath.Join(dir, "trace.csv")).To(BeAnExistingFile())
	})

	It("should fail on a bad configuration", func() {
		p := writeConfig("controllers:\n  - {name: A, engine: dw}\n")

		Expect(execute("run", "-c", p, "--env=")).
			To(MatchError(ContainSubstring("unknown engine")))
	})

	It("should read overrides from an env file", func() {
		env := filepath.Join(dir, "test.env")
		Expect(os.WriteFile(env,
			[]byte("XDMA_LOG_LEVEL=loud\n"), 0o644)).To(Succeed())
		DeferCleanup(os.Unsetenv, envLogLevel)

		p := writeConfig(testPlatform)

		Expect(execute("inspect", "-c", p, "--env="+env)).
			To(MatchError(ContainSubstring("possible levels")))
	})
})

var _ = Describe("applyEnv", func() {
	It("should override the configuration", func() {
		GinkgoT().Setenv(envMonitorPort, "8123")
		GinkgoT().Setenv(envTrace, "true")
		GinkgoT().Setenv(envTraceFormat, config.TraceSQLite)
		GinkgoT().Setenv(envTracePath, "/tmp/x")

		cfg := config.Default()
		Expect(applyEnv(&cfg)).To(Succeed())
		Expect(cfg.Monitor.Enabled).To(BeTrue())
		Expect(cfg.Monitor.Port).To(Equal(8123))
		Expect(cfg.Trace.Enabled).To(BeTrue())
		Expect(cfg.Trace.Format).To(Equal(config.TraceSQLite))
		Expect(cfg.Trace.Path).To(Equal("/tmp/x"))
	})

	It("should reject a bad port", func() {
		GinkgoT().Setenv(envMonitorPort, "http")

		cfg := config.Default()
		Expect(applyEnv(&cfg)).To(HaveOccurred())
	})
})
