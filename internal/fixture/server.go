// Package fixture serves a static contact form for exercising runs
// locally.
package fixture

import (
	_ "embed"
	"sync"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

//go:embed static/form.html
var formHTML []byte

// SuccessBody is returned for every accepted submission.
const SuccessBody = "Form submitted successfully"

// Server records the submissions it receives.
type Server struct {
	mu          sync.Mutex
	submissions []map[string]string
	logger      *zap.Logger
}

// New creates a fixture server.
func New(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{logger: logger.Named("fixture")}
}

// App returns a Fiber app with the fixture routes mounted.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "formfuzz fixture",
		DisableStartupMessage: true,
	})
	s.Register(app)
	return app
}

// Register mounts GET / and POST / on router.
func (s *Server) Register(router fiber.Router) {
	router.Get("/", s.serveForm)
	router.Post("/", s.acceptSubmission)
}

// Submissions returns a copy of everything posted so far.
func (s *Server) Submissions() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]string, len(s.submissions))
	copy(out, s.submissions)
	return out
}

func (s *Server) serveForm(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Send(formHTML)
}

func (s *Server) acceptSubmission(c *fiber.Ctx) error {
	values := make(map[string]string)
	c.Request().PostArgs().VisitAll(func(key, value []byte) {
		values[string(key)] = string(value)
	})

	s.mu.Lock()
	s.submissions = append(s.submissions, values)
	s.mu.Unlock()

	fields := make([]zap.Field, 0, len(values))
	for k, v := range values {
		fields = append(fields, zap.String(k, v))
	}
	s.logger.Info("Form submission received", fields...)

	return c.Status(fiber.StatusCreated).SendString(SuccessBody)
}
