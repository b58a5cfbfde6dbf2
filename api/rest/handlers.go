package rest

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"yqhp/taskmesh/internal/master"
)

func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:        "healthy",
		State:         string(s.producer.Stats().State),
		HasConnection: s.producer.HasConnection(),
		Timestamp:     formatTime(time.Now()),
	})
}

func (s *Server) listNodes(c *fiber.Ctx) error {
	nodes := s.producer.Nodes()
	if nodes == nil {
		nodes = []master.NodeSnapshot{}
	}
	return c.JSON(NodeListResponse{Nodes: nodes, Total: len(nodes)})
}

func (s *Server) getStats(c *fiber.Ctx) error {
	return c.JSON(s.producer.Stats())
}

// submitTask takes the raw request body as the task payload.
func (s *Server) submitTask(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.Body()...)
	id, err := s.producer.Submit(payload)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(SubmitResponse{TaskID: id})
}

func (s *Server) waitTask(c *fiber.Ctx) error {
	timeout, err := s.waitTimeout(c)
	if err != nil {
		return err
	}
	completion, err := s.producer.WaitForTaskCompletion(c.UserContext(), c.Params("id"), timeout)
	if err != nil {
		return err
	}
	return c.JSON(toCompletionResponse(completion))
}

func (s *Server) nextCompletion(c *fiber.Ctx) error {
	timeout, err := s.waitTimeout(c)
	if err != nil {
		return err
	}
	completion, err := s.producer.WaitForAnyTaskCompletion(c.UserContext(), timeout)
	if err != nil {
		return err
	}
	return c.JSON(toCompletionResponse(completion))
}

// waitTimeout reads ?timeout=, falling back to DefaultWait and capping at MaxWait.
func (s *Server) waitTimeout(c *fiber.Ctx) (time.Duration, error) {
	raw := c.Query("timeout")
	if raw == "" {
		return s.config.DefaultWait, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid timeout: "+raw)
	}
	if s.config.MaxWait > 0 && d > s.config.MaxWait {
		d = s.config.MaxWait
	}
	return d, nil
}
