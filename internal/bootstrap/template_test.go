package bootstrap_test

import (
	"github.com/kballard/go-shellquote"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"vmbuild/internal/bootstrap"
)

var params = bootstrap.Params{
	AdminPassword:    "Adm1nPass",
	ReadonlyPassword: "R3adPass",
	CIDR:             "172.31.0.0/16",
	PublicIP:         "198.51.100.7",
}

var _ = Describe("Render", func() {
	It("substitutes named parameters", func() {
		out, err := bootstrap.Render(
			"psql -c \"ALTER USER admin PASSWORD '{{.AdminPassword}}'\"\necho {{.CIDR}} {{.PublicIP}} {{.ReadonlyPassword}}", params)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("psql -c \"ALTER USER admin PASSWORD 'Adm1nPass'\"\necho 172.31.0.0/16 198.51.100.7 R3adPass"))
	})

	It("rejects unknown named parameters", func() {
		_, err := bootstrap.Render("echo {{.Password}}", params)
		Expect(err).To(HaveOccurred())
	})

	It("accepts positional placeholders", func() {
		out, err := bootstrap.Render("echo {0} {1} {2} {3}", params)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("echo Adm1nPass R3adPass 172.31.0.0/16 198.51.100.7"))
	})

	It("leaves shell expansions and escaped braces alone in positional templates", func() {
		out, err := bootstrap.Render("echo ${1} {{literal}} {0}", params)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("echo ${1} {literal} Adm1nPass"))
	})

	It("rejects positional placeholders beyond the four parameters", func() {
		_, err := bootstrap.Render("echo {4}", params)
		Expect(err).To(MatchError(ContainSubstring("{4}")))
	})

	DescribeTable("rejects placeholder indexes that do not fit",
		func(text, placeholder string) {
			Expect(bootstrap.Check(text)).To(MatchError(ContainSubstring(placeholder)))
			_, err := bootstrap.Render(text, params)
			Expect(err).To(MatchError(ContainSubstring(placeholder)))
		},
		Entry("beyond int64", "echo {0} {9223372036854775808}", "{9223372036854775808}"),
		Entry("wrapping onto a valid index", "echo {18446744073709551617}", "{18446744073709551617}"),
		Entry("large but representable", "echo {1000}", "{1000}"),
	)

	It("checks templates before use", func() {
		Expect(bootstrap.Check("echo {{.CIDR}}")).To(Succeed())
		Expect(bootstrap.Check("echo {{.Nope")).NotTo(Succeed())
	})
})

var _ = Describe("Split", func() {
	It("drops blank lines and comments and keeps order", func() {
		script := "#!/bin/bash\n\n# install\nsudo apt-get install -y postgresql\n   \n  # indented comment\nsudo systemctl restart postgresql\r\n"
		Expect(bootstrap.Split(script)).To(Equal([]string{
			"sudo apt-get install -y postgresql",
			"sudo systemctl restart postgresql",
		}))
	})

	It("returns nothing for an empty script", func() {
		Expect(bootstrap.Split("")).To(BeEmpty())
	})
})

var _ = Describe("ScrubCommand", func() {
	It("shreds the file only when it exists", func() {
		Expect(bootstrap.ScrubCommand("~/.aws/credentials", 200)).To(Equal(
			"test ! -e .aws/credentials || shred -n 200 -z -u .aws/credentials"))
	})

	It("keeps paths with spaces as single words", func() {
		words, err := shellquote.Split(bootstrap.ScrubCommand("build creds/key file", 3))
		Expect(err).NotTo(HaveOccurred())
		Expect(words).To(HaveLen(11))
		Expect(words[3]).To(Equal("build creds/key file"))
		Expect(words[10]).To(Equal("build creds/key file"))
	})
})
