package agent_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/ocr-agent/internal/agent"
	"github.com/zombor/ocr-agent/internal/metrics"
	"github.com/zombor/ocr-agent/internal/scanning"
	"github.com/zombor/ocr-agent/internal/sink"
)

func completion(content string) map[string]interface{} {
	return map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]interface{}{"role": "assistant", "content": content}},
		},
	}
}

var _ = Describe("Integration", func() {
	var (
		upstream *ghttp.Server
		endpoint string
		ingress  *ghttp.Server
		store    *sink.BoltStore
		timeout  time.Duration
	)

	BeforeEach(func() {
		upstream = ghttp.NewServer()
		endpoint = upstream.URL() + "/v1/chat/completions"
		ingress = ghttp.NewServer()
		timeout = 2 * time.Second

		var err error
		store, err = sink.NewBoltStore(filepath.Join(GinkgoT().TempDir(), "integration.db"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		upstream.Close()
		ingress.Close()
		store.Close()
	})

	serve := func() {
		client, err := scanning.NewChatClient(scanning.ChatConfig{
			URL:     endpoint,
			Timeout: timeout,
		}, nil)
		Expect(err).NotTo(HaveOccurred())

		scanner := scanning.NewScanner(client, scanning.DefaultTemperature, nil)
		service := agent.NewService(scanner, store, time.Second, nil)
		server := agent.NewServer(service, agent.BasicAuth{}, metrics.New())
		ingress.AppendHandlers(server.ServeHTTP)
	}

	post := func(body string) *http.Response {
		resp, err := http.Post(ingress.URL()+"/process", "application/json", bytes.NewBufferString(body))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	It("should extract, classify and expense a receipt", func() {
		upstream.AppendHandlers(
			ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/v1/chat/completions"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, completion("ACME STORE\nTOTAL 9.99")),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/v1/chat/completions"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, completion(
					"```json\n{\"classification\":\"RECEIPT\",\"vendor\":\"Acme\",\"total\":\"9.99\"}\n```",
				)),
			),
		)
		serve()

		resp := post(`{"image":"data:image/png;base64,aGk="}`)
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		var result map[string]interface{}
		Expect(json.Unmarshal(data, &result)).To(Succeed())
		Expect(result["action"]).To(Equal("expensed"))
		Expect(result["date"]).To(Equal("Unknown"))
		Expect(result["items"]).To(BeEmpty())

		rows, err := store.Rows("Expenses")
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(1))
		Expect(rows[0][1:]).To(Equal([]string{"Acme", "Unknown", "[]", "9.99", "Unknown", "ACME STORE\nTOTAL 9.99"}))
	})

	It("should log a document when the classifier replies with prose", func() {
		upstream.AppendHandlers(
			ghttp.RespondWithJSONEncoded(http.StatusOK, completion("milk, eggs, bread")),
			ghttp.RespondWithJSONEncoded(http.StatusOK, completion("Just a handwritten note about groceries")),
		)
		serve()

		resp := post(`{"image":"data:image/png;base64,aGk=","source":"camera"}`)
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		rows, err := store.Rows("Logs")
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(1))
		Expect(rows[0][1:]).To(Equal([]string{"camera", "milk, eggs, bread", "Just a handwritten note about groceries"}))
	})

	When("the upstream does not answer within the bound", func() {
		var release chan struct{}

		BeforeEach(func() {
			timeout = 100 * time.Millisecond
			release = make(chan struct{})
			upstream.AppendHandlers(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-release:
				case <-time.After(2 * time.Second):
				}
			})
		})

		AfterEach(func() {
			close(release)
		})

		It("should answer 504 and append no row", func() {
			serve()

			resp := post(`{"image":"data:image/png;base64,aGk="}`)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusGatewayTimeout))

			_, err := store.Rows("Expenses")
			Expect(err).To(MatchError(sink.ErrTableNotFound))
			_, err = store.Rows("Logs")
			Expect(err).To(MatchError(sink.ErrTableNotFound))
		})
	})

	When("the upstream cannot be reached", func() {
		It("should answer 502", func() {
			upstream.Close()
			serve()

			resp := post(`{"image":"data:image/png;base64,aGk="}`)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
		})
	})
})
